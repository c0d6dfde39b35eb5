// Package auth authenticates callers of the streaming endpoints.
//
// A Guard resolves a bearer credential from an explicit token or from the
// handshake request (Authorization header, then cookie) and validates it
// through a Validator. Failures are reported as *Error values classified as
// missing, invalid or expired credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissing = errors.New("missing credential")
	ErrInvalid = errors.New("invalid credential")
	ErrExpired = errors.New("expired credential")
)

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonMissing Reason = "missing_credential"
	ReasonInvalid Reason = "invalid_credential"
	ReasonExpired Reason = "expired_credential"
)

const DefaultCookieName = "access_token_cookie"

// Error is returned for every authentication failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Reason {
	case ReasonMissing:
		return ErrMissing
	case ReasonExpired:
		return ErrExpired
	default:
		return ErrInvalid
	}
}

// ReasonOf extracts the failure reason from err, if err is an auth error.
func ReasonOf(err error) (Reason, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}

// Identity is the caller extracted from a validated credential.
type Identity struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// Validator checks a raw token against the trust anchor.
type Validator interface {
	Validate(token string) (Identity, error)
}

// Source carries the credential for one authentication attempt. An explicit
// Token takes precedence over anything found on Request.
type Source struct {
	Token   string
	Request *http.Request
}

type Guard struct {
	validator  Validator
	cookieName string
}

func NewGuard(validator Validator, cookieName string) *Guard {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	return &Guard{validator: validator, cookieName: cookieName}
}

// Authenticate validates the credential in src and returns the caller.
func (g *Guard) Authenticate(src Source) (Identity, error) {
	token := strings.TrimSpace(src.Token)
	if token == "" && src.Request != nil {
		token = ExtractToken(src.Request, g.cookieName)
	}
	if token == "" {
		return Identity{}, &Error{Reason: ReasonMissing}
	}
	if g.validator == nil {
		return Identity{}, &Error{Reason: ReasonInvalid, Err: errors.New("no validator configured")}
	}

	id, err := g.validator.Validate(token)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return Identity{}, ae
		}
		return Identity{}, &Error{Reason: ReasonInvalid, Err: err}
	}
	if strings.TrimSpace(id.UserID) == "" {
		return Identity{}, &Error{Reason: ReasonInvalid, Err: errors.New("credential carries no user id")}
	}
	return id, nil
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the named cookie.
func ExtractToken(r *http.Request, cookieName string) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			if token := strings.TrimSpace(h[7:]); token != "" {
				return token
			}
		}
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
