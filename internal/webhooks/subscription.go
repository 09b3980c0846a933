// Package webhooks manages merchant webhook subscriptions and delivers
// signed payment notifications to them.
package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Event is a webhook event name.
type Event string

const (
	EventPaymentConfirmed Event = "payment.confirmed"
	EventPaymentExpired   Event = "payment.expired"
	// EventAll subscribes to every event.
	EventAll Event = "*"
)

// Delivery headers.
const (
	HeaderSignature = "X-KasPay-Signature"
	HeaderEvent     = "X-KasPay-Event"
)

var ErrInvalidEvent = errors.New("invalid webhook event")

// ParseEvents validates and de-duplicates a list of event names.
func ParseEvents(names []string) ([]Event, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidEvent)
	}
	out := make([]Event, 0, len(names))
	for _, n := range names {
		e := Event(n)
		switch e {
		case EventPaymentConfirmed, EventPaymentExpired, EventAll:
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, n)
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Subscription is a merchant-registered delivery target.
type Subscription struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	URL        string    `json:"url"`
	Events     []Event   `json:"events"`
	Secret     string    `json:"secret,omitempty"`
	Active     bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Accepts reports whether the subscription wants event.
func (s *Subscription) Accepts(event Event) bool {
	return slices.Contains(s.Events, event) || slices.Contains(s.Events, EventAll)
}

// Redacted returns a copy without the signing secret.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

// Delivery is an append-only record of one delivery attempt.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	SessionID      string          `json:"session_id"`
	Event          Event           `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	StatusCode     *int            `json:"status_code,omitempty"`
	Response       string          `json:"response,omitempty"`
	Error          string          `json:"error,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

// Succeeded reports whether the endpoint answered with a 2xx status.
func (d *Delivery) Succeeded() bool {
	return d.StatusCode != nil && *d.StatusCode >= 200 && *d.StatusCode < 300
}

// Payload is the JSON body posted to subscribers.
type Payload struct {
	Event   Event   `json:"event"`
	Payment Payment `json:"payment"`
}

// Payment is the session view carried in a webhook payload.
type Payment struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	AmountExpected string     `json:"amountExpected"`
	AmountReceived *string    `json:"amountReceived"`
	Address        string     `json:"address"`
	SenderAddress  *string    `json:"senderAddress"`
	TxID           *string    `json:"txId"`
	CustomerEmail  *string    `json:"customerEmail"`
	CustomerName   *string    `json:"customerName"`
	ConfirmedAt    *time.Time `json:"confirmedAt"`
}
