// Package payments implements payment links, payment sessions and the
// on-chain confirmation of sessions against a merchant's receiving address.
package payments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kaspay/internal/common/money"
)

// Expiry bounds, in minutes, for links and merchant defaults.
const (
	MinExpiryMinutes     = 5
	MaxExpiryMinutes     = 1440
	DefaultExpiryMinutes = 30
)

// Merchant owns links, sessions and webhook subscriptions.
type Merchant struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	Name                 string    `json:"name"`
	ReceivingAddress     string    `json:"receiving_address"`
	APIKey               string    `json:"api_key,omitempty"`
	PaymentExpiryMinutes int       `json:"payment_expiry_minutes"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LinkStatus is the lifecycle state of a payment link.
type LinkStatus string

const (
	LinkDraft    LinkStatus = "draft"
	LinkActive   LinkStatus = "active"
	LinkInactive LinkStatus = "inactive"
)

// Link is a reusable payment request template.
type Link struct {
	ID             string          `json:"id"`
	MerchantID     string          `json:"merchant_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       money.Currency  `json:"currency"`
	ExpiryMinutes  int             `json:"expiry_minutes"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Status         LinkStatus      `json:"status"`
	Slug           string          `json:"slug"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	SuccessMessage string          `json:"success_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsExpired reports whether the link-level expiry has passed.
func (l *Link) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// IsAccepting reports whether new sessions may be opened against the link.
func (l *Link) IsAccepting(now time.Time) bool {
	return l.Status == LinkActive && !l.IsExpired(now)
}

// Publish moves a draft link to active.
func (l *Link) Publish() error {
	switch l.Status {
	case LinkActive:
		return nil
	case LinkDraft, LinkInactive:
		l.Status = LinkActive
		l.UpdatedAt = time.Now().UTC()
		return nil
	}
	return errors.New("unknown link status")
}

// Deactivate soft-deletes the link.
func (l *Link) Deactivate() {
	l.Status = LinkInactive
	l.UpdatedAt = time.Now().UTC()
}

// SessionStatus is the state of a payment session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionConfirmed SessionStatus = "confirmed"
	SessionExpired   SessionStatus = "expired"
)

// Session is one attempt to collect the funds requested by a link.
type Session struct {
	ID             string           `json:"id"`
	PaymentLinkID  string           `json:"payment_link_id,omitempty"`
	MerchantID     string           `json:"merchant_id"`
	Address        string           `json:"address"`
	AmountExpected decimal.Decimal  `json:"amount_expected"`
	InitialBalance int64            `json:"initial_balance"`
	Status         SessionStatus    `json:"status"`
	AmountReceived *decimal.Decimal `json:"amount_received,omitempty"`
	TxID           string           `json:"tx_id,omitempty"`
	SenderAddress  string           `json:"sender_address,omitempty"`
	CustomerEmail  string           `json:"customer_email,omitempty"`
	CustomerName   string           `json:"customer_name,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
}

// IsTerminal returns true once the session has left pending.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionConfirmed || s.Status == SessionExpired
}

// IsPastExpiry reports whether a pending session should be expired.
func (s *Session) IsPastExpiry(now time.Time) bool {
	return s.Status == SessionPending && !now.Before(s.ExpiresAt)
}

// ExpectedSompi is the expected amount in base units.
func (s *Session) ExpectedSompi() int64 {
	return money.ToSompi(s.AmountExpected)
}

// Confirmation is the outcome recorded when a session is matched.
type Confirmation struct {
	AmountReceived decimal.Decimal
	TxID           string
	SenderAddress  string
	ConfirmedAt    time.Time
}

// apply mirrors a successful confirming write onto the in-memory session.
func (s *Session) apply(c Confirmation) {
	received := c.AmountReceived
	confirmedAt := c.ConfirmedAt
	s.Status = SessionConfirmed
	s.AmountReceived = &received
	s.TxID = c.TxID
	s.SenderAddress = c.SenderAddress
	s.ConfirmedAt = &confirmedAt
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status SessionStatus
	Limit  int
	Offset int
}

// Stats summarizes a merchant's payment activity.
type Stats struct {
	TotalPayments     int64           `json:"total_payments"`
	ConfirmedPayments int64           `json:"confirmed_payments"`
	PendingPayments   int64           `json:"pending_payments"`
	ExpiredPayments   int64           `json:"expired_payments"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	TotalLinks        int64           `json:"total_links"`
	ActiveLinks       int64           `json:"active_links"`
}
