package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChainPay-Network/dashboard_core/internal/app/state"
	"github.com/ChainPay-Network/dashboard_core/internal/client"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

var upgrader = websocket.Upgrader{}

type countingResync struct{ calls int64 }

func (r *countingResync) Resync(ctx context.Context) error {
	atomic.AddInt64(&r.calls, 1)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannelDeliversEventsToStore(t *testing.T) {
	var subscribes int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Drain the subscribe frames first.
		for i := 0; i < 2; i++ {
			var sub map[string]string
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			if sub["type"] == "subscribe" {
				atomic.AddInt64(&subscribes, 1)
			}
		}

		ev := state.UpdateEvent{
			Kind:      state.KindWallet,
			ID:        "w1",
			Payload:   json.RawMessage(`{"balance": 2, "price_usd": 5}`),
			Timestamp: time.Now().UTC(),
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		// Keep the connection open until the client hangs up.
		conn.ReadMessage()
	}))
	defer srv.Close()

	store := state.New(16, logger.NewNop())
	ch, err := New(Config{URL: wsURL(srv), Log: logger.NewNop()}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	waitFor(t, func() bool {
		_, ok := store.Wallet("w1")
		return ok
	})
	if got := store.PortfolioUSD(); got != 10 {
		t.Fatalf("portfolio = %v, want 10", got)
	}
	if got := atomic.LoadInt64(&subscribes); got != 2 {
		t.Fatalf("subscribe frames = %d, want 2", got)
	}
}

func TestChannelResyncsAfterDisconnect(t *testing.T) {
	var conns int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt64(&conns, 1)
		if n == 1 {
			// First connection: let the client finish dialing (it writes one
			// subscribe frame per kind), then hang up to force a reconnect.
			for i := 0; i < 2; i++ {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	store := state.New(16, logger.NewNop())
	resync := &countingResync{}
	ch, err := New(Config{
		URL:              wsURL(srv),
		ReconnectBackoff: 10 * time.Millisecond,
		Log:              logger.NewNop(),
	}, store, resync)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	waitFor(t, func() bool { return atomic.LoadInt64(&resync.calls) >= 1 })
	if got := atomic.LoadInt64(&conns); got < 2 {
		t.Fatalf("connections = %d, want at least 2", got)
	}
}

func TestChannelDropsUndecodableFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		ev := state.UpdateEvent{
			Kind:      state.KindTransaction,
			ID:        "t1",
			Payload:   json.RawMessage(`{"amount_usd": 7, "status": "pending"}`),
			Timestamp: time.Now().UTC(),
		}
		conn.WriteJSON(ev)
		conn.ReadMessage()
	}))
	defer srv.Close()

	store := state.New(16, logger.NewNop())
	ch, err := New(Config{URL: wsURL(srv), Log: logger.NewNop()}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	waitFor(t, func() bool {
		_, ok := store.Transaction("t1")
		return ok
	})
	if got := store.PendingVolumeUSD(); got != 7 {
		t.Fatalf("pending volume = %v, want 7", got)
	}
}

func TestChannelRoutesInvoiceEventsToHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ev := state.UpdateEvent{
			Kind:    state.KindInvoice,
			ID:      "inv-9",
			Payload: json.RawMessage(`{"status": "paid"}`),
		}
		conn.WriteJSON(ev)
		conn.ReadMessage()
	}))
	defer srv.Close()

	store := state.New(16, logger.NewNop())
	ch, err := New(Config{
		URL:   wsURL(srv),
		Kinds: []string{state.KindInvoice},
		Log:   logger.NewNop(),
	}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var seen int64
	ch.On(state.KindInvoice, func(ev state.UpdateEvent) {
		if ev.ID == "inv-9" {
			atomic.AddInt64(&seen, 1)
		}
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	waitFor(t, func() bool { return atomic.LoadInt64(&seen) == 1 })
	if got := store.MalformedEvents(); got != 0 {
		t.Fatalf("invoice event counted malformed: %d", got)
	}
}

type countingRealigner struct{ calls int64 }

func (r *countingRealigner) RealignInvoices(ctx context.Context) error {
	atomic.AddInt64(&r.calls, 1)
	return nil
}

func TestSnapshotResyncRealignsInvoiceDeadlines(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer backend.Close()

	c, err := client.New(client.Config{BaseURL: backend.URL, Log: logger.NewNop()})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	resync := NewSnapshotResync(c, logger.NewNop())
	realigner := &countingRealigner{}
	resync.AttachRealigner(realigner)

	if err := resync.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := atomic.LoadInt64(&realigner.calls); got != 1 {
		t.Fatalf("realign calls = %d, want 1", got)
	}
}

func TestChannelHandlerDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ev := state.UpdateEvent{
			Kind:    state.KindWallet,
			ID:      "w9",
			Payload: json.RawMessage(`{"balance": 1}`),
		}
		conn.WriteJSON(ev)
		conn.ReadMessage()
	}))
	defer srv.Close()

	store := state.New(16, logger.NewNop())
	ch, err := New(Config{URL: wsURL(srv), Log: logger.NewNop()}, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var seen int64
	ch.On(state.KindWallet, func(ev state.UpdateEvent) {
		if ev.ID == "w9" {
			atomic.AddInt64(&seen, 1)
		}
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	waitFor(t, func() bool { return atomic.LoadInt64(&seen) == 1 })
}
