package state

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/transaction"
	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/wallet"
	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
)

// IngestSnapshot parses an entity-bearing response body and upserts every
// row. Backend endpoints wrap their rows inconsistently, so the usual
// envelopes are probed before falling back to a bare array. This is the
// client's entity sink; it never fails.
func (s *Store) IngestSnapshot(kind string, body []byte) {
	rows := snapshotRows(kind, body)
	if rows == nil {
		atomic.AddInt64(&s.malformedEvents, 1)
		metrics.RecordMalformedEvent()
		s.log.WithField("kind", kind).Warn("snapshot carried no recognizable rows")
		return
	}

	applied := 0
	for _, row := range rows {
		if s.ingestRow(kind, []byte(row.Raw)) {
			applied++
		}
	}
	s.log.WithField("kind", kind).WithField("rows", applied).Debugf("snapshot ingested")
}

func (s *Store) ingestRow(kind string, raw []byte) bool {
	switch kind {
	case KindWallet:
		var w wallet.Wallet
		if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
			atomic.AddInt64(&s.malformedEvents, 1)
			metrics.RecordMalformedEvent()
			return false
		}
		if w.UpdatedAt.IsZero() {
			w.UpdatedAt = time.Now().UTC()
		}
		s.UpsertWallet(w, "")
		return true

	case KindTransaction:
		var t transaction.Transaction
		if err := json.Unmarshal(raw, &t); err != nil || t.ID == "" {
			atomic.AddInt64(&s.malformedEvents, 1)
			metrics.RecordMalformedEvent()
			return false
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = time.Now().UTC()
		}
		s.UpsertTransaction(t, "")
		return true

	default:
		atomic.AddInt64(&s.malformedEvents, 1)
		metrics.RecordMalformedEvent()
		return false
	}
}

// snapshotRows locates the row array for the kind: "{kind}s", "data.{kind}s",
// "items", then the body itself.
func snapshotRows(kind string, body []byte) []gjson.Result {
	parsed := gjson.ParseBytes(body)
	for _, path := range []string{kind + "s", "data." + kind + "s", "items"} {
		if arr := parsed.Get(path); arr.IsArray() {
			return arr.Array()
		}
	}
	if parsed.IsArray() {
		return parsed.Array()
	}
	if parsed.IsObject() && parsed.Get("id").Exists() {
		// Single-entity responses are a one-row snapshot.
		return []gjson.Result{parsed}
	}
	return nil
}
