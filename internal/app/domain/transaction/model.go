package transaction

import "time"

// Status is the lifecycle state of a chain transaction as observed by the
// dashboard.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Direction distinguishes inbound from outbound value.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Transaction is a normalized payment record keyed by the platform
// transaction ID, not the chain hash: the hash is unknown until submission
// succeeds.
type Transaction struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	Chain     string    `json:"chain"`
	Hash      string    `json:"hash,omitempty"`
	Amount    float64   `json:"amount"`
	AmountUSD float64   `json:"amount_usd"`
	Status    Status    `json:"status"`
	Direction Direction `json:"direction"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the transaction identity used by the state store.
func (t Transaction) EntityID() string { return t.ID }

// Contribution is the USD value still in flight. Settled and failed
// transactions no longer contribute to the pending-volume aggregate.
func (t Transaction) Contribution() float64 {
	if t.Status != StatusPending {
		return 0
	}
	return t.AmountUSD
}
