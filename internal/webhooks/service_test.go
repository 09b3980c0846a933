package webhooks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReturnsSecretOnce(t *testing.T) {
	store := newMockStore()
	r := NewRegistry(store, discardLogger())

	created, err := r.Register(context.Background(), "m1", RegisterRequest{
		URL:    "https://merchant.example/hooks",
		Events: []string{"payment.confirmed", "payment.confirmed", "payment.expired"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))
	assert.Equal(t, []Event{EventPaymentConfirmed, EventPaymentExpired}, created.Events)
	assert.True(t, created.Active)

	listed, err := r.List(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Secret)
	assert.Equal(t, created.ID, listed[0].ID)

	stored, err := store.GetSubscription(context.Background(), "m1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(newMockStore(), discardLogger())

	_, err := r.Register(context.Background(), "m1", RegisterRequest{URL: "ftp://x", Events: []string{"*"}})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = r.Register(context.Background(), "m1", RegisterRequest{URL: "https://x.example", Events: []string{"payment.refunded"}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = r.Register(context.Background(), "m1", RegisterRequest{URL: "https://x.example"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDeactivate(t *testing.T) {
	store := newMockStore(sub("s1", "https://x.example", EventAll))
	r := NewRegistry(store, discardLogger())

	assert.ErrorIs(t, r.Deactivate(context.Background(), "m2", "s1"), ErrSubscriptionNotFound)
	require.NoError(t, r.Deactivate(context.Background(), "m1", "s1"))

	active, err := store.ListSubscriptions(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeliveriesScopedToMerchant(t *testing.T) {
	store := newMockStore(sub("s1", "https://x.example", EventAll))
	store.deliveries = []*Delivery{{ID: "d1", SubscriptionID: "s1"}, {ID: "d2", SubscriptionID: "s9"}}
	r := NewRegistry(store, discardLogger())

	got, err := r.Deliveries(context.Background(), "m1", "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)

	_, err = r.Deliveries(context.Background(), "m2", "s1", 10)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestAccepts(t *testing.T) {
	s := &Subscription{Events: []Event{EventPaymentExpired}}
	assert.True(t, s.Accepts(EventPaymentExpired))
	assert.False(t, s.Accepts(EventPaymentConfirmed))

	all := &Subscription{Events: []Event{EventAll}}
	assert.True(t, all.Accepts(EventPaymentExpired))
	assert.True(t, all.Accepts(EventPaymentConfirmed))
}
