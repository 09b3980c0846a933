package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrInvalidURL           = errors.New("invalid webhook url")
)

// Store persists subscriptions and delivery logs.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, merchantID, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, merchantID string, activeOnly bool) ([]*Subscription, error)
	DeactivateSubscription(ctx context.Context, merchantID, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)
}

// Registry manages merchant subscriptions.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry creates a new subscription registry.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// RegisterRequest is the request to register a subscription.
type RegisterRequest struct {
	URL    string   `json:"url" validate:"required,url,max=2048"`
	Events []string `json:"events" validate:"required,min=1,dive,required"`
}

// Register creates a subscription with a freshly generated secret. The
// secret is only ever returned from this call.
func (r *Registry) Register(ctx context.Context, merchantID string, req RegisterRequest) (*Subscription, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}
	evts, err := ParseEvents(req.Events)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:         ulid.Make().String(),
		MerchantID: merchantID,
		URL:        u.String(),
		Events:     evts,
		Secret:     "whsec_" + uuid.NewString(),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	r.logger.Info("webhook subscription registered",
		"subscription_id", sub.ID,
		"merchant_id", merchantID,
		"events", evts,
	)
	return sub, nil
}

// List returns the merchant's subscriptions without secrets.
func (r *Registry) List(ctx context.Context, merchantID string) ([]Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, merchantID, false)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Redacted())
	}
	return out, nil
}

// Deactivate stops deliveries to a subscription. Subscriptions are kept
// so that their delivery logs stay attributable.
func (r *Registry) Deactivate(ctx context.Context, merchantID, id string) error {
	if _, err := r.store.GetSubscription(ctx, merchantID, id); err != nil {
		return err
	}
	if err := r.store.DeactivateSubscription(ctx, merchantID, id); err != nil {
		return fmt.Errorf("deactivating subscription: %w", err)
	}
	r.logger.Info("webhook subscription deactivated", "subscription_id", id, "merchant_id", merchantID)
	return nil
}

// Deliveries returns the most recent delivery attempts for a subscription.
func (r *Registry) Deliveries(ctx context.Context, merchantID, id string, limit int) ([]*Delivery, error) {
	if _, err := r.store.GetSubscription(ctx, merchantID, id); err != nil {
		return nil, err
	}
	return r.store.ListDeliveries(ctx, id, limit)
}
