package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/invoice"
	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
	"github.com/ChainPay-Network/dashboard_core/internal/client"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// Gateway is the slice of the API client the orchestrator drives.
// *client.Client satisfies this.
type Gateway interface {
	Send(ctx context.Context, env *client.Envelope) (*client.Response, error)
	Login(ctx context.Context, email, password string) (session.Session, error)
	Logout(ctx context.Context) error
}

// PaymentRequest describes an outbound payment to submit.
type PaymentRequest struct {
	WalletID string  `json:"wallet_id"`
	To       string  `json:"to"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Memo     string  `json:"memo,omitempty"`
}

// InvoiceRequest describes a merchant invoice to open.
type InvoiceRequest struct {
	MerchantID string  `json:"merchant_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Memo       string  `json:"memo,omitempty"`
	// TTL is forwarded to the backend as a hint; the deadline the
	// orchestrator schedules against is the expires_at the backend returns.
	TTL time.Duration `json:"-"`
}

// Orchestrator runs the dashboard's workflows against the payment backend.
// Each workflow is a fixed sequence of steps; a failing step aborts the run
// with no rollback of the steps before it.
type Orchestrator struct {
	gw      Gateway
	sched   *Scheduler
	emitter Emitter
	log     *logger.Logger

	mu       sync.RWMutex
	runs     map[string]*Run
	invoices map[string]invoice.Invoice
}

// New creates an orchestrator. A nil emitter discards events.
func New(gw Gateway, sched *Scheduler, emitter Emitter, log *logger.Logger) (*Orchestrator, error) {
	if gw == nil {
		return nil, fmt.Errorf("workflow: gateway is required")
	}
	if sched == nil {
		sched = NewScheduler(log)
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	return &Orchestrator{
		gw:       gw,
		sched:    sched,
		emitter:  emitter,
		log:      log,
		runs:     make(map[string]*Run),
		invoices: make(map[string]invoice.Invoice),
	}, nil
}

// Scheduler exposes the deadline scheduler for lifecycle wiring.
func (o *Orchestrator) Scheduler() *Scheduler { return o.sched }

// =============================================================================
// Workflows
// =============================================================================

// OnboardUser authenticates and loads the initial entity snapshots. Snapshot
// bodies flow into the state store through the client's entity sink.
func (o *Orchestrator) OnboardUser(ctx context.Context, email, password string) (*Run, error) {
	return o.execute(ctx, "onboard_user", []Step{
		{Name: "login", Do: func() error {
			_, err := o.gw.Login(ctx, email, password)
			return err
		}},
		{Name: "load_wallets", Do: func() error {
			return o.fetchSnapshot(ctx, "/wallets", "wallet")
		}},
		{Name: "load_transactions", Do: func() error {
			return o.fetchSnapshot(ctx, "/transactions", "transaction")
		}},
	})
}

// SubmitPayment validates and submits a payment, then refreshes the source
// wallet so the balance reflects the hold.
func (o *Orchestrator) SubmitPayment(ctx context.Context, req PaymentRequest) (*Run, error) {
	idempotencyKey := uuid.NewString()
	return o.execute(ctx, "submit_payment", []Step{
		{Name: "validate", Do: func() error {
			return validatePayment(req)
		}},
		{Name: "submit", Do: func() error {
			_, err := o.gw.Send(ctx, &client.Envelope{
				Method:         http.MethodPost,
				Path:           "/transactions",
				Body:           req,
				IdempotencyKey: idempotencyKey,
				CallerKey:      "workflow",
				EntityKind:     "transaction",
			})
			return err
		}},
		{Name: "refresh_wallet", Do: func() error {
			return o.fetchSnapshot(ctx, "/wallets/"+req.WalletID, "wallet")
		}},
	})
}

// OpenInvoice creates a merchant invoice and schedules its expiration at
// the expires_at the backend returned, which is the only deadline that
// counts. An invoice the backend created already expired fires immediately.
func (o *Orchestrator) OpenInvoice(ctx context.Context, req InvoiceRequest) (*Run, invoice.Invoice, error) {
	var inv invoice.Invoice

	run, err := o.execute(ctx, "open_invoice", []Step{
		{Name: "validate", Do: func() error {
			return validateInvoice(req)
		}},
		{Name: "create", Do: func() error {
			body := map[string]any{
				"merchant_id": req.MerchantID,
				"amount":      req.Amount,
				"currency":    req.Currency,
				"memo":        req.Memo,
			}
			if req.TTL > 0 {
				body["ttl_seconds"] = int(req.TTL / time.Second)
			}
			resp, err := o.gw.Send(ctx, &client.Envelope{
				Method:         http.MethodPost,
				Path:           "/invoices",
				Body:           body,
				IdempotencyKey: uuid.NewString(),
				CallerKey:      "workflow",
			})
			if err != nil {
				return err
			}
			parsed, err := parseInvoice(resp.Body)
			if err != nil {
				return err
			}
			inv = parsed
			return nil
		}},
		{Name: "schedule_expiration", Do: func() error {
			o.trackInvoice(inv)
			o.scheduleExpiration(inv)
			return nil
		}},
	})
	return run, inv, err
}

// CancelInvoice voids an open invoice and drops its expiration deadline.
func (o *Orchestrator) CancelInvoice(ctx context.Context, id string) (*Run, error) {
	return o.execute(ctx, "cancel_invoice", []Step{
		{Name: "void", Do: func() error {
			_, err := o.gw.Send(ctx, &client.Envelope{
				Method:    http.MethodPost,
				Path:      "/invoices/" + id + "/void",
				CallerKey: "workflow",
			})
			return err
		}},
		{Name: "release_deadline", Do: func() error {
			o.sched.Cancel(id)
			o.setInvoiceStatus(id, invoice.StatusVoid)
			o.emitter.Emit(Event{
				Type:      EventInvoiceVoided,
				EntityID:  id,
				Timestamp: time.Now().UTC(),
			})
			return nil
		}},
	})
}

// ApplyInvoiceUpdate merges a push update into a tracked invoice. A paid,
// expired, or voided status releases the pending deadline; a changed
// expires_at re-arms it at the new instant. Updates for invoices this
// orchestrator never opened are ignored.
func (o *Orchestrator) ApplyInvoiceUpdate(id string, payload []byte) {
	if id == "" {
		id = gjson.GetBytes(payload, "id").String()
	}

	o.mu.RLock()
	inv, tracked := o.invoices[id]
	o.mu.RUnlock()
	if !tracked {
		return
	}

	parsed := gjson.ParseBytes(payload)
	if st := parsed.Get("status"); st.Exists() {
		inv.Status = invoice.Status(st.String())
	}
	if exp := parsed.Get("expires_at"); exp.Exists() {
		if t, err := time.Parse(time.RFC3339, exp.String()); err == nil {
			inv.ExpiresAt = t
		}
	}
	o.trackInvoice(inv)

	if inv.Status.Terminal() {
		o.sched.Cancel(id)
		if inv.Status == invoice.StatusPaid {
			o.emitter.Emit(Event{
				Type:      EventInvoicePaid,
				EntityID:  id,
				Timestamp: time.Now().UTC(),
			})
		}
		o.log.WithField("invoice", id).WithField("status", string(inv.Status)).
			Info("invoice settled, deadline released")
		return
	}
	o.scheduleExpiration(inv)
}

// RealignInvoices re-reads every tracked non-terminal invoice and recomputes
// its deadline from the backend's expires_at. Invoked after the realtime
// channel reconnects: a timer armed before the disconnect may be running
// against a deadline the backend has since moved or settled.
func (o *Orchestrator) RealignInvoices(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.invoices))
	for id, inv := range o.invoices {
		if !inv.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := o.RescheduleInvoice(ctx, id); err != nil {
			o.log.WithError(err).WithField("invoice", id).Warn("invoice realign failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("realign invoice %s: %w", id, err)
			}
		}
	}
	return firstErr
}

// RescheduleInvoice re-reads the invoice and realigns the expiration
// deadline with the backend's expires_at.
func (o *Orchestrator) RescheduleInvoice(ctx context.Context, id string) error {
	resp, err := o.gw.Send(ctx, &client.Envelope{
		Method:    http.MethodGet,
		Path:      "/invoices/" + id,
		CallerKey: "workflow",
	})
	if err != nil {
		return err
	}
	inv, err := parseInvoice(resp.Body)
	if err != nil {
		return err
	}

	o.trackInvoice(inv)
	if inv.Status.Terminal() {
		o.sched.Cancel(inv.ID)
		return nil
	}
	o.scheduleExpiration(inv)
	return nil
}

// Reset cancels every pending deadline and forgets tracked invoices.
// Invoked on logout.
func (o *Orchestrator) Reset() {
	o.sched.CancelAll()

	o.mu.Lock()
	o.invoices = make(map[string]invoice.Invoice)
	o.mu.Unlock()

	o.log.Info("workflow state reset")
}

// Run returns one run by ID.
func (o *Orchestrator) Run(id string) (Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// Runs returns all recorded runs, most recent first.
func (o *Orchestrator) Runs() []Run {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Run, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Invoice returns a tracked invoice by ID.
func (o *Orchestrator) Invoice(id string) (invoice.Invoice, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inv, ok := o.invoices[id]
	return inv, ok
}

// Invoices returns all tracked invoices ordered by ID.
func (o *Orchestrator) Invoices() []invoice.Invoice {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]invoice.Invoice, 0, len(o.invoices))
	for _, inv := range o.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// Execution
// =============================================================================

func (o *Orchestrator) execute(ctx context.Context, name string, steps []Step) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Workflow:  name,
		Status:    RunPending,
		StartedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	o.runs[run.ID] = run
	run.Status = RunRunning
	o.mu.Unlock()

	o.emitter.Emit(Event{
		Type: EventRunStarted, RunID: run.ID, Workflow: name, Timestamp: run.StartedAt,
	})
	o.log.WithField("workflow", name).WithField("run", run.ID).Info("workflow started")

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return o.finish(run, step.Name, err)
		}

		began := time.Now()
		err := step.Do()
		result := StepResult{Name: step.Name, Duration: time.Since(began)}
		if err != nil {
			result.Error = err.Error()
			o.mu.Lock()
			run.Steps = append(run.Steps, result)
			o.mu.Unlock()
			return o.finish(run, step.Name, err)
		}

		o.mu.Lock()
		run.Steps = append(run.Steps, result)
		o.mu.Unlock()
		o.emitter.Emit(Event{
			Type: EventStepSucceeded, RunID: run.ID, Workflow: name,
			Step: step.Name, Timestamp: time.Now().UTC(),
		})
	}

	o.mu.Lock()
	run.Status = RunSucceeded
	run.FinishedAt = time.Now().UTC()
	snapshot := *run
	o.mu.Unlock()

	o.emitter.Emit(Event{
		Type: EventRunSucceeded, RunID: run.ID, Workflow: name, Timestamp: snapshot.FinishedAt,
	})
	metrics.RecordWorkflowRun(name, string(RunSucceeded), snapshot.FinishedAt.Sub(snapshot.StartedAt))
	o.log.WithField("workflow", name).WithField("run", run.ID).Info("workflow succeeded")
	return &snapshot, nil
}

// finish marks the run failed. Completed steps are not rolled back; the
// backend owns their effects and a retried run re-converges through
// idempotency keys.
func (o *Orchestrator) finish(run *Run, step string, err error) (*Run, error) {
	o.mu.Lock()
	run.Status = RunFailed
	run.Error = err.Error()
	run.FinishedAt = time.Now().UTC()
	snapshot := *run
	o.mu.Unlock()

	o.emitter.Emit(Event{
		Type: EventStepFailed, RunID: run.ID, Workflow: run.Workflow,
		Step: step, Message: err.Error(), Timestamp: snapshot.FinishedAt,
	})
	o.emitter.Emit(Event{
		Type: EventRunFailed, RunID: run.ID, Workflow: run.Workflow, Timestamp: snapshot.FinishedAt,
	})
	metrics.RecordWorkflowRun(run.Workflow, string(RunFailed), snapshot.FinishedAt.Sub(snapshot.StartedAt))
	o.log.WithError(err).
		WithField("workflow", run.Workflow).
		WithField("step", step).
		Warn("workflow aborted")
	return &snapshot, fmt.Errorf("workflow %s: step %s: %w", run.Workflow, step, err)
}

func (o *Orchestrator) fetchSnapshot(ctx context.Context, path, kind string) error {
	_, err := o.gw.Send(ctx, &client.Envelope{
		Method:     http.MethodGet,
		Path:       path,
		CallerKey:  "workflow",
		EntityKind: kind,
	})
	return err
}

// =============================================================================
// Invoice deadline handling
// =============================================================================

func (o *Orchestrator) trackInvoice(inv invoice.Invoice) {
	if inv.ID == "" {
		return
	}
	o.mu.Lock()
	o.invoices[inv.ID] = inv
	o.mu.Unlock()
}

func (o *Orchestrator) setInvoiceStatus(id string, status invoice.Status) {
	o.mu.Lock()
	if inv, ok := o.invoices[id]; ok {
		inv.Status = status
		o.invoices[id] = inv
	}
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleExpiration(inv invoice.Invoice) {
	id := inv.ID
	o.sched.Schedule(id, inv.ExpiresAt, func() {
		o.expireInvoice(id)
	})
}

// expireInvoice tells the backend the deadline passed and marks the local
// record. Best effort: the backend enforces expiration on its own clock
// regardless, and the periodic reconciliation sweep repairs any disagreement.
func (o *Orchestrator) expireInvoice(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := o.gw.Send(ctx, &client.Envelope{
		Method:    http.MethodPost,
		Path:      "/invoices/" + id + "/expire",
		CallerKey: "workflow",
	}); err != nil {
		o.log.WithError(err).WithField("invoice", id).Warn("invoice expire call failed")
	}

	o.setInvoiceStatus(id, invoice.StatusExpired)
	o.emitter.Emit(Event{
		Type:      EventInvoiceExpired,
		EntityID:  id,
		Timestamp: time.Now().UTC(),
	})
	o.log.WithField("invoice", id).Info("invoice expired")
}

// =============================================================================
// Validation and parsing
// =============================================================================

func validatePayment(req PaymentRequest) error {
	if strings.TrimSpace(req.WalletID) == "" {
		return fmt.Errorf("wallet_id is required")
	}
	if strings.TrimSpace(req.To) == "" {
		return fmt.Errorf("destination address is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

func validateInvoice(req InvoiceRequest) error {
	if strings.TrimSpace(req.MerchantID) == "" {
		return fmt.Errorf("merchant_id is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

// parseInvoice decodes an invoice from a response body, unwrapping the
// usual envelopes.
func parseInvoice(body []byte) (invoice.Invoice, error) {
	raw := body
	parsed := gjson.ParseBytes(body)
	for _, path := range []string{"invoice", "data"} {
		if node := parsed.Get(path); node.IsObject() {
			raw = []byte(node.Raw)
			break
		}
	}

	var inv invoice.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return invoice.Invoice{}, fmt.Errorf("decode invoice: %w", err)
	}
	if inv.ID == "" {
		return invoice.Invoice{}, fmt.Errorf("invoice response carried no id")
	}
	if inv.ExpiresAt.IsZero() {
		return invoice.Invoice{}, fmt.Errorf("invoice %s carried no expires_at", inv.ID)
	}
	return inv, nil
}
