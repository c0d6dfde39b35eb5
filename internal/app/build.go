package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/brain"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/engine"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/stream"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Table
	Engine     *engine.AssistantEngine
	Metrics    *observability.Metrics
	Validator  *auth.JWTValidator

	// Cleanup should be called on shutdown to release external resources (DB, Redis).
	Cleanup func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Build wires the gateway. ctx bounds background work such as lease refresh.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	validator, err := auth.NewJWTValidator(auth.JWTConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt validator init failed: %w", err)
	}
	guard := auth.NewGuard(validator, cfg.TokenCookie)

	assistants, err := assistant.LoadCatalog(cfg.AssistantCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("assistant catalog load failed: %w", err)
	}
	log.Info("assistant catalog loaded", zap.Int("assistants", len(assistants.List())))

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:       cfg.BrainMode,
		HTTPURL:    cfg.BrainHTTPURL,
		HTTPToken:  cfg.BrainHTTPToken,
		HTTPStrict: cfg.BrainHTTPStrict,
		MaxRetries: cfg.BrainMaxRetries,
		Timeout:    cfg.BrainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	conversations, err := conversation.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	closers := []func() error{conversations.Close}
	pingers := []pinger{}
	if p, ok := conversations.(pinger); ok {
		pingers = append(pingers, p)
	}

	table := session.NewTable(cfg.BindPolicy)
	table.SetChangeHook(metrics.SessionEvent)
	if cfg.RedisURL != "" {
		leases, err := session.OpenRedisLeases(ctx, cfg.RedisURL)
		if err != nil {
			_ = conversations.Close()
			return nil, fmt.Errorf("session lease store init failed: %w", err)
		}
		table.SetLeaseStore(leases, cfg.LeaseTTL)
		table.StartLeaseRefresher(ctx, cfg.LeaseTTL/3)
		closers = append(closers, leases.Close)
		pingers = append(pingers, leases)
	}

	eng, err := engine.NewAssistantEngine(engine.AssistantConfig{
		Assistants:          assistants,
		Conversations:       conversations,
		Brain:               adapter,
		UnknownConversation: cfg.UnknownConversation,
		HistoryLimit:        cfg.HistoryLimit,
		Logger:              log.Named("engine"),
	})
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, fmt.Errorf("conversation engine init failed: %w", err)
	}
	router := engine.NewRouter()
	router.Register(engine.KindAssistant, eng)

	dispatcher := dispatch.New(guard, router, table, metrics, log.Named("dispatch"), dispatch.Config{
		ReadLimit:    cfg.WSReadLimit,
		PongWait:     cfg.WSPongWait,
		WriteTimeout: cfg.WSWriteTimeout,
		InboundRate:  cfg.WSInboundRate,
		InboundBurst: cfg.WSInboundBurst,
	})

	runner := stream.NewRunner(stream.NewOptimizer(assistants, adapter), log.Named("oneshot"))

	api := httpapi.New(cfg, httpapi.Deps{
		Guard:      guard,
		Dispatcher: dispatcher,
		Runner:     runner,
		Sessions:   table,
		Assistants: assistants,
		Ender:      eng,
		Metrics:    metrics,
		Logger:     log.Named("http"),
		Ready: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			for _, p := range pingers {
				if err := p.Ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Dispatcher: dispatcher,
		Sessions:   table,
		Engine:     eng,
		Metrics:    metrics,
		Validator:  validator,
		Cleanup:    cleanup,
	}, nil
}
