package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/transaction"
	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/wallet"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

func newTestStore() *Store {
	return New(16, logger.NewNop())
}

func TestApplyUpdateMergesIntoExistingWallet(t *testing.T) {
	s := newTestStore()
	s.UpsertWallet(wallet.Wallet{
		ID: "w1", Address: "NX1", Chain: "neo", Currency: "GAS",
		Balance: 10, PriceUSD: 3,
	}, "")

	s.ApplyUpdate(UpdateEvent{
		Kind:      KindWallet,
		ID:        "w1",
		Payload:   json.RawMessage(`{"balance": 4}`),
		Timestamp: time.Now().UTC(),
	})

	w, ok := s.Wallet("w1")
	if !ok {
		t.Fatalf("wallet w1 missing after update")
	}
	if w.Balance != 4 {
		t.Fatalf("balance = %v, want 4", w.Balance)
	}
	// Fields absent from the payload keep their stored value.
	if w.PriceUSD != 3 || w.Address != "NX1" {
		t.Fatalf("untouched fields changed: %+v", w)
	}
	if got := s.PortfolioUSD(); got != 12 {
		t.Fatalf("portfolio = %v, want 12", got)
	}
}

func TestApplyUpdateSynthesizesUnknownEntity(t *testing.T) {
	s := newTestStore()

	s.ApplyUpdate(UpdateEvent{
		Kind:      KindWallet,
		ID:        "w-new",
		Payload:   json.RawMessage(`{"balance": 2, "price_usd": 50, "chain": "eth"}`),
		Timestamp: time.Now().UTC(),
	})

	w, ok := s.Wallet("w-new")
	if !ok {
		t.Fatalf("unknown-entity update did not synthesize a record")
	}
	if w.Chain != "eth" || w.Balance != 2 {
		t.Fatalf("synthesized wallet = %+v", w)
	}
	if got := s.PortfolioUSD(); got != 100 {
		t.Fatalf("portfolio = %v, want 100", got)
	}
}

func TestApplyUpdateFallsBackToPayloadID(t *testing.T) {
	s := newTestStore()

	s.ApplyUpdate(UpdateEvent{
		Kind:    KindTransaction,
		Payload: json.RawMessage(`{"id": "t1", "amount_usd": 9, "status": "pending"}`),
	})

	if _, ok := s.Transaction("t1"); !ok {
		t.Fatalf("transaction t1 missing; payload id fallback did not apply")
	}
	if got := s.PendingVolumeUSD(); got != 9 {
		t.Fatalf("pending volume = %v, want 9", got)
	}
}

func TestApplyUpdateDropsMalformedEvents(t *testing.T) {
	s := newTestStore()

	s.ApplyUpdate(UpdateEvent{Kind: KindWallet, Payload: json.RawMessage(`{"balance": 1}`)})
	s.ApplyUpdate(UpdateEvent{Kind: "unknown-kind", ID: "x"})
	s.ApplyUpdate(UpdateEvent{Kind: KindWallet, ID: "w1", Payload: json.RawMessage(`not json`)})

	if got := s.MalformedEvents(); got != 3 {
		t.Fatalf("malformed events = %d, want 3", got)
	}
	if got := len(s.Wallets()); got != 0 {
		t.Fatalf("wallets = %d, want 0", got)
	}
}

func TestApplyUpdatePassesInvoiceEventsThrough(t *testing.T) {
	s := newTestStore()

	s.ApplyUpdate(UpdateEvent{
		Kind:    KindInvoice,
		ID:      "inv-1",
		Payload: json.RawMessage(`{"status": "paid"}`),
	})

	// Invoices are not store entities, but their events are well formed:
	// the workflow layer consumes them downstream.
	if got := s.MalformedEvents(); got != 0 {
		t.Fatalf("malformed events = %d, want 0", got)
	}
	if len(s.Wallets()) != 0 || len(s.Transactions()) != 0 {
		t.Fatalf("invoice event leaked into entity collections")
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	s := newTestStore()
	ev := UpdateEvent{
		Kind:      KindTransaction,
		ID:        "t1",
		Payload:   json.RawMessage(`{"amount_usd": 25, "status": "pending"}`),
		Timestamp: time.Now().UTC(),
	}

	s.ApplyUpdate(ev)
	s.ApplyUpdate(ev)
	s.ApplyUpdate(ev)

	if got := len(s.Transactions()); got != 1 {
		t.Fatalf("transactions = %d, want 1", got)
	}
	if got := s.PendingVolumeUSD(); got != 25 {
		t.Fatalf("pending volume = %v, want 25", got)
	}
}

func TestPendingVolumeDropsOnConfirmation(t *testing.T) {
	s := newTestStore()
	s.UpsertTransaction(transaction.Transaction{
		ID: "t1", AmountUSD: 40, Status: transaction.StatusPending,
	}, "")
	if got := s.PendingVolumeUSD(); got != 40 {
		t.Fatalf("pending volume = %v, want 40", got)
	}

	s.ApplyUpdate(UpdateEvent{
		Kind:    KindTransaction,
		ID:      "t1",
		Payload: json.RawMessage(`{"status": "confirmed"}`),
	})

	if got := s.PendingVolumeUSD(); got != 0 {
		t.Fatalf("pending volume after confirmation = %v, want 0", got)
	}
	tx, _ := s.Transaction("t1")
	if tx.AmountUSD != 40 {
		t.Fatalf("amount lost during merge: %+v", tx)
	}
}

func TestIngestSnapshotEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"keyed", `{"wallets": [{"id": "w1", "balance": 1, "price_usd": 2}]}`},
		{"nested", `{"data": {"wallets": [{"id": "w1", "balance": 1, "price_usd": 2}]}}`},
		{"items", `{"items": [{"id": "w1", "balance": 1, "price_usd": 2}]}`},
		{"bare array", `[{"id": "w1", "balance": 1, "price_usd": 2}]`},
		{"single object", `{"id": "w1", "balance": 1, "price_usd": 2}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore()
			s.IngestSnapshot(KindWallet, []byte(tc.body))

			if _, ok := s.Wallet("w1"); !ok {
				t.Fatalf("wallet w1 not ingested from %s envelope", tc.name)
			}
			if got := s.PortfolioUSD(); got != 2 {
				t.Fatalf("portfolio = %v, want 2", got)
			}
		})
	}
}

func TestIngestSnapshotCountsUnusableBodies(t *testing.T) {
	s := newTestStore()

	s.IngestSnapshot(KindWallet, []byte(`{"message": "ok"}`))
	s.IngestSnapshot(KindWallet, []byte(`[{"balance": 3}]`))

	if got := s.MalformedEvents(); got != 2 {
		t.Fatalf("malformed events = %d, want 2", got)
	}
}

func TestClearEmptiesBothCollections(t *testing.T) {
	s := newTestStore()
	s.UpsertWallet(wallet.Wallet{ID: "w1", Balance: 1, PriceUSD: 1}, "")
	s.UpsertTransaction(transaction.Transaction{ID: "t1", AmountUSD: 5, Status: transaction.StatusPending}, "")

	s.Clear()

	if len(s.Wallets()) != 0 || len(s.Transactions()) != 0 {
		t.Fatalf("collections not empty after clear")
	}
	if s.PortfolioUSD() != 0 || s.PendingVolumeUSD() != 0 {
		t.Fatalf("aggregates not zero after clear")
	}
	if len(s.WalletHistory()) != 0 || len(s.TransactionHistory()) != 0 {
		t.Fatalf("history not discarded after clear")
	}
}
