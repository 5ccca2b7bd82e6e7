package invoice

import "time"

// Status is the merchant invoice lifecycle state.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusVoid    Status = "void"
)

// Invoice is a merchant payment request with a hard expiration deadline.
type Invoice struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Memo       string    `json:"memo,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Terminal reports whether the invoice can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusVoid
}
