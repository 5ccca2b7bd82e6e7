package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/robfig/cron/v3"

	"github.com/ChainPay-Network/dashboard_core/internal/app/state"
	"github.com/ChainPay-Network/dashboard_core/internal/client"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// InvoiceRealigner recomputes pending invoice deadlines from the backend's
// authoritative expires_at. *workflow.Orchestrator satisfies this.
type InvoiceRealigner interface {
	RealignInvoices(ctx context.Context) error
}

// SnapshotResync re-fetches full entity snapshots through the API client.
// The client's attached sink routes the bodies into the store, so a resync
// is nothing more than replaying the initial-load queries, plus a realign
// of pending invoice deadlines when a realigner is attached.
type SnapshotResync struct {
	client    *client.Client
	paths     map[string]string
	realigner InvoiceRealigner
	log       *logger.Logger
}

// NewSnapshotResync builds a resyncer over the default entity endpoints.
func NewSnapshotResync(c *client.Client, log *logger.Logger) *SnapshotResync {
	if log == nil {
		log = logger.NewDefault("resync")
	}
	return &SnapshotResync{
		client: c,
		paths: map[string]string{
			state.KindWallet:      "/wallets",
			state.KindTransaction: "/transactions",
		},
		log: log,
	}
}

// AttachRealigner wires the invoice deadline realign after construction.
// The orchestrator depends on the client the resyncer also drives, so this
// edge is set late.
func (r *SnapshotResync) AttachRealigner(re InvoiceRealigner) { r.realigner = re }

// Resync fetches every registered snapshot endpoint, then realigns pending
// invoice deadlines. It keeps going past individual failures and reports
// the first error.
func (r *SnapshotResync) Resync(ctx context.Context) error {
	var firstErr error
	for kind, path := range r.paths {
		_, err := r.client.Send(ctx, &client.Envelope{
			Method:     http.MethodGet,
			Path:       path,
			CallerKey:  "resync",
			EntityKind: kind,
		})
		if err != nil {
			r.log.WithError(err).WithField("kind", kind).Warn("snapshot resync failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("resync %s: %w", kind, err)
			}
		}
	}

	if r.realigner != nil {
		if err := r.realigner.RealignInvoices(ctx); err != nil {
			r.log.WithError(err).Warn("invoice deadline realign failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reconciler runs a periodic full resync so drift from missed or reordered
// push events never outlives one sweep interval.
type Reconciler struct {
	cron   *cron.Cron
	resync Resyncer
	spec   string
	log    *logger.Logger
}

// NewReconciler schedules a resync on the given cron spec. Empty spec
// defaults to every five minutes.
func NewReconciler(resync Resyncer, spec string, log *logger.Logger) *Reconciler {
	if spec == "" {
		spec = "@every 5m"
	}
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	return &Reconciler{
		cron:   cron.New(),
		resync: resync,
		spec:   spec,
		log:    log,
	}
}

// Name implements system.Service.
func (r *Reconciler) Name() string { return "reconciler" }

// Start registers and starts the sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.spec, func() {
		if err := r.resync.Resync(context.Background()); err != nil {
			r.log.WithError(err).Warn("reconciliation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reconciler: bad schedule %q: %w", r.spec, err)
	}
	r.cron.Start()
	r.log.WithField("schedule", r.spec).Info("reconciliation sweep started")
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
