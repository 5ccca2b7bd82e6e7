// Package app wires the dashboard components together and manages their
// lifecycle: credential vault, resilient client, entity store, realtime
// channel, reconciliation sweep, and workflow orchestrator.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ChainPay-Network/dashboard_core/internal/app/state"
	"github.com/ChainPay-Network/dashboard_core/internal/app/system"
	"github.com/ChainPay-Network/dashboard_core/internal/client"
	"github.com/ChainPay-Network/dashboard_core/internal/config"
	"github.com/ChainPay-Network/dashboard_core/internal/realtime"
	"github.com/ChainPay-Network/dashboard_core/internal/vault"
	"github.com/ChainPay-Network/dashboard_core/internal/workflow"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// Application ties the dashboard components together.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logger.Logger

	Vault        vault.CredentialVault
	Client       *client.Client
	Store        *state.Store
	Orchestrator *workflow.Orchestrator
	Emitter      *workflow.ChannelEmitter
	Channel      *realtime.Channel
	Reconciler   *realtime.Reconciler
}

// New builds a fully wired application from configuration.
func New(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	credVault, err := buildVault(cfg.Vault)
	if err != nil {
		return nil, err
	}

	apiClient, err := client.New(client.Config{
		BaseURL:    cfg.Backend.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Vault:      credVault,
		RateLimit: client.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Retry: client.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Log: log.WithField("component", "client"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: build client: %w", err)
	}

	store := state.New(cfg.Store.HistoryCap, log.WithField("component", "state"))
	// The client and store reference each other (snapshot delivery vs.
	// resync), so the sink edge is attached after construction.
	apiClient.AttachSink(store)

	emitter := workflow.NewChannelEmitter(128, log.WithField("component", "workflow"))
	orch, err := workflow.New(
		apiClient,
		workflow.NewScheduler(log.WithField("component", "scheduler")),
		emitter,
		log.WithField("component", "workflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build orchestrator: %w", err)
	}

	a := &Application{
		cfg:          cfg,
		manager:      system.NewManager(log),
		log:          log,
		Vault:        credVault,
		Client:       apiClient,
		Store:        store,
		Orchestrator: orch,
		Emitter:      emitter,
	}

	if cfg.Realtime.Enabled && cfg.Realtime.URL != "" {
		resync := realtime.NewSnapshotResync(apiClient, log.WithField("component", "resync"))
		resync.AttachRealigner(orch)
		channel, err := realtime.New(realtime.Config{
			URL:       cfg.Realtime.URL,
			Kinds:     []string{state.KindWallet, state.KindTransaction, state.KindInvoice},
			Heartbeat: time.Duration(cfg.Realtime.HeartbeatSecs) * time.Second,
			Log:       log.WithField("component", "realtime"),
		}, store, resync)
		if err != nil {
			return nil, fmt.Errorf("app: build realtime channel: %w", err)
		}
		// Invoice updates carry deadline changes and settlements; they are
		// handled by the orchestrator, not the entity store.
		channel.On(state.KindInvoice, func(ev state.UpdateEvent) {
			orch.ApplyInvoiceUpdate(ev.ID, ev.Payload)
		})
		a.Channel = channel
		a.Reconciler = realtime.NewReconciler(resync, cfg.Realtime.ResyncSpec,
			log.WithField("component", "reconciler"))

		a.manager.Register(channel)
		a.manager.Register(a.Reconciler)
	}

	return a, nil
}

// Start brings the long-running services up.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the services down in reverse order and cancels pending
// workflow deadlines.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Orchestrator.Scheduler().CancelAll()
	return err
}

// Login runs the onboarding workflow: authenticate, then load the initial
// entity snapshots.
func (a *Application) Login(ctx context.Context, email, password string) (*workflow.Run, error) {
	return a.Orchestrator.OnboardUser(ctx, email, password)
}

// Logout tears down the session and every piece of state derived from it:
// entity collections, aggregates, history, and pending deadlines.
func (a *Application) Logout(ctx context.Context) error {
	err := a.Client.Logout(ctx)
	a.Store.Clear()
	a.Orchestrator.Reset()
	a.log.Info("logged out; local state cleared")
	return err
}

// Config exposes the effective configuration.
func (a *Application) Config() *config.Config { return a.cfg }

func buildVault(cfg config.VaultConfig) (vault.CredentialVault, error) {
	switch cfg.Backend {
	case "", "memory":
		return vault.NewMemory(), nil

	case "encrypted":
		blobs, err := vault.NewFileBlobStore(cfg.BlobPath)
		if err != nil {
			return nil, fmt.Errorf("app: vault blob store: %w", err)
		}
		enc, err := vault.NewEncrypted(blobs, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("app: encrypted vault: %w", err)
		}
		return enc, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		rv, err := vault.NewRedis(redis.NewClient(opts), cfg.RedisKey, 0)
		if err != nil {
			return nil, fmt.Errorf("app: redis vault: %w", err)
		}
		return rv, nil

	default:
		return nil, fmt.Errorf("app: unknown vault backend %q", cfg.Backend)
	}
}
