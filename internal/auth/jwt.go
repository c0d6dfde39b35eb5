package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// JWTValidator validates HS256 tokens. The subject is either a plain user id
// or a JSON object with user_id and user_name fields.
type JWTValidator struct {
	secret   []byte
	issuer   string
	audience string
	opts     []jwt.ParserOption
}

func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTValidator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		opts:     opts,
	}, nil
}

func (v *JWTValidator) Validate(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &Error{Reason: ReasonExpired, Err: err}
		}
		return Identity{}, &Error{Reason: ReasonInvalid, Err: err}
	}
	if !token.Valid {
		return Identity{}, &Error{Reason: ReasonInvalid}
	}

	id, err := identityFromClaims(claims)
	if err != nil {
		return Identity{}, &Error{Reason: ReasonInvalid, Err: err}
	}
	return id, nil
}

// Issue signs a token for id that expires after ttl.
func (v *JWTValidator) Issue(id Identity, ttl time.Duration) (string, error) {
	subject, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshal subject: %w", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": string(subject),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func identityFromClaims(claims jwt.MapClaims) (Identity, error) {
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)

	if strings.HasPrefix(sub, "{") {
		payload := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader([]byte(sub)))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return Identity{}, fmt.Errorf("decode subject: %w", err)
		}
		id := Identity{UserID: claimString(payload["user_id"]), UserName: claimString(payload["user_name"])}
		if id.UserID == "" {
			return Identity{}, errors.New("subject has no user_id")
		}
		return id, nil
	}

	id := Identity{UserID: sub, UserName: claimString(claims["user_name"])}
	if id.UserID == "" {
		id.UserID = claimString(claims["user_id"])
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return id, nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
