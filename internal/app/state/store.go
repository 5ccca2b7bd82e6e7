package state

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/transaction"
	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/wallet"
	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// Entity kinds flowing through update events. Wallets and transactions live
// in the store; invoices live in the workflow layer and only pass through.
const (
	KindWallet      = "wallet"
	KindTransaction = "transaction"
	KindInvoice     = "invoice"
)

// UpdateEvent is an out-of-band notification of an entity's new state.
// Payload carries the fields that changed; absent fields keep their stored
// value. Delivery is at-least-once.
type UpdateEvent struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	CauseID   string          `json:"cause_id,omitempty"`
}

// Store holds the wallet and transaction collections and routes snapshot
// and push ingestion into them. It is the only writer of its collections.
type Store struct {
	wallets      *Collection[wallet.Wallet]
	transactions *Collection[transaction.Transaction]
	log          *logger.Logger

	malformedEvents int64
}

// New creates an empty store with the given per-collection history bound.
func New(historyCap int, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("state")
	}
	return &Store{
		wallets:      NewCollection[wallet.Wallet](historyCap),
		transactions: NewCollection[transaction.Transaction](historyCap),
		log:          log,
	}
}

// UpsertWallet merges a wallet observed through the query layer.
func (s *Store) UpsertWallet(w wallet.Wallet, causeID string) {
	s.wallets.Upsert(w, causeID)
	metrics.RecordStoreMutation(KindWallet, "upsert")
	metrics.SetPortfolioUSD(s.wallets.Aggregate())
}

// UpsertTransaction merges a transaction observed through the query layer.
func (s *Store) UpsertTransaction(t transaction.Transaction, causeID string) {
	s.transactions.Upsert(t, causeID)
	metrics.RecordStoreMutation(KindTransaction, "upsert")
}

// Wallet returns one wallet by ID.
func (s *Store) Wallet(id string) (wallet.Wallet, bool) { return s.wallets.Get(id) }

// Wallets returns all live wallets ordered by ID.
func (s *Store) Wallets() []wallet.Wallet { return s.wallets.List() }

// Transaction returns one transaction by ID.
func (s *Store) Transaction(id string) (transaction.Transaction, bool) {
	return s.transactions.Get(id)
}

// Transactions returns all live transactions ordered by ID.
func (s *Store) Transactions() []transaction.Transaction { return s.transactions.List() }

// PortfolioUSD is the USD value of all wallets.
func (s *Store) PortfolioUSD() float64 { return s.wallets.Aggregate() }

// PendingVolumeUSD is the USD value of transactions still in flight.
func (s *Store) PendingVolumeUSD() float64 { return s.transactions.Aggregate() }

// WalletHistory returns the retained wallet change records, oldest first.
func (s *Store) WalletHistory() []Change { return s.wallets.History() }

// TransactionHistory returns the retained transaction change records.
func (s *Store) TransactionHistory() []Change { return s.transactions.History() }

// RemoveWallet drops a wallet from the model.
func (s *Store) RemoveWallet(id string) bool {
	removed := s.wallets.Remove(id)
	if removed {
		metrics.RecordStoreMutation(KindWallet, "remove")
		metrics.SetPortfolioUSD(s.wallets.Aggregate())
	}
	return removed
}

// RemoveTransaction drops a transaction from the model.
func (s *Store) RemoveTransaction(id string) bool {
	removed := s.transactions.Remove(id)
	if removed {
		metrics.RecordStoreMutation(KindTransaction, "remove")
	}
	return removed
}

// Clear resets both collections. Invoked on logout.
func (s *Store) Clear() {
	s.wallets.Clear()
	s.transactions.Clear()
	metrics.SetPortfolioUSD(0)
	s.log.Info("entity store cleared")
}

// MalformedEvents counts push events that could not be applied.
func (s *Store) MalformedEvents() int64 { return atomic.LoadInt64(&s.malformedEvents) }

// ApplyUpdate merges a push event into the model. An event for an unknown
// entity synthesizes a partial record from the payload: push updates may
// outrun the initial fetch, and showing a partial balance beats showing
// nothing. Malformed events are counted and dropped, never raised.
func (s *Store) ApplyUpdate(ev UpdateEvent) {
	id := ev.ID
	if id == "" {
		id = gjson.GetBytes(ev.Payload, "id").String()
	}
	known := ev.Kind == KindWallet || ev.Kind == KindTransaction || ev.Kind == KindInvoice
	if id == "" || !known {
		atomic.AddInt64(&s.malformedEvents, 1)
		metrics.RecordMalformedEvent()
		s.log.WithField("kind", ev.Kind).Warn("dropping malformed update event")
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// The read-modify-write of each merge runs inside Collection.Update so a
	// concurrent snapshot row for the same ID cannot slip in between.
	var mergeErr error
	switch ev.Kind {
	case KindWallet:
		applied := s.wallets.Update(id, ev.CauseID, func(w wallet.Wallet, _ bool) (wallet.Wallet, bool) {
			if err := mergePayload(&w, ev.Payload); err != nil {
				mergeErr = err
				return w, false
			}
			w.ID = id
			w.UpdatedAt = ts
			return w, true
		})
		if applied {
			metrics.RecordStoreMutation(KindWallet, "upsert")
			metrics.SetPortfolioUSD(s.wallets.Aggregate())
		}

	case KindTransaction:
		applied := s.transactions.Update(id, ev.CauseID, func(t transaction.Transaction, _ bool) (transaction.Transaction, bool) {
			if err := mergePayload(&t, ev.Payload); err != nil {
				mergeErr = err
				return t, false
			}
			t.ID = id
			t.UpdatedAt = ts
			return t, true
		})
		if applied {
			metrics.RecordStoreMutation(KindTransaction, "upsert")
		}

	case KindInvoice:
		// Not a store entity; the realtime channel routes invoice events to
		// the workflow layer's deadline handling.
	}

	if mergeErr != nil {
		atomic.AddInt64(&s.malformedEvents, 1)
		metrics.RecordMalformedEvent()
		s.log.WithError(mergeErr).WithField("kind", ev.Kind).WithField("id", id).
			Warn("dropping unmergeable update payload")
	}
}

// mergePayload overlays payload fields onto the current value; fields absent
// from the payload keep their stored value.
func mergePayload(dst any, payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, dst)
}
