package wallet

import "time"

// Wallet is a normalized balance record for one address on one chain.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Address   string    `json:"address"`
	Chain     string    `json:"chain"`
	Currency  string    `json:"currency"`
	Balance   float64   `json:"balance"`
	PriceUSD  float64   `json:"price_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityID returns the wallet identity used by the state store.
func (w Wallet) EntityID() string { return w.ID }

// Contribution is the wallet's share of the portfolio USD aggregate.
func (w Wallet) Contribution() float64 { return w.Balance * w.PriceUSD }
