package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaspay/internal/webhooks"
)

func TestPollerRunOnce(t *testing.T) {
	f := newFixture()
	paid := f.pending("paid", "2", 0)
	waiting := f.pending("waiting", "7", 0)
	stale := f.pending("stale", "4", 0)
	f.store.mu.Lock()
	f.store.sessions[stale.ID].ExpiresAt = f.now.Add(-time.Minute)
	f.store.mu.Unlock()
	f.ledger.set(200_000_000, utxo("tx-paid", 200_000_000))

	p := NewPoller(f.store, f.detector, PollerConfig{Concurrency: 2, BatchSize: 10}, discardLogger())
	finalized, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, finalized)

	for id, want := range map[string]SessionStatus{
		paid.ID:    SessionConfirmed,
		waiting.ID: SessionPending,
		stale.ID:   SessionExpired,
	} {
		got, err := f.store.GetSession(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
	assert.Len(t, f.notifier.events(webhooks.EventPaymentConfirmed), 1)
	assert.Len(t, f.notifier.events(webhooks.EventPaymentExpired), 1)

	finalized, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, finalized)
}

func TestPollerSweepsPastFullBatch(t *testing.T) {
	f := newFixture()
	f.pending("a", "7", 0)
	f.pending("b", "8", 0)
	late := f.pending("c", "2", 0)
	f.ledger.set(200_000_000, utxo("tx-c", 200_000_000))

	p := NewPoller(f.store, f.detector, PollerConfig{Concurrency: 1, BatchSize: 2}, discardLogger())

	finalized, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, finalized)
	assert.Equal(t, "b", p.cursor)

	finalized, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)
	assert.Empty(t, p.cursor)

	got, err := f.store.GetSession(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionConfirmed, got.Status)
	assert.Equal(t, "tx-c", got.TxID)
}

func TestPollerStartStop(t *testing.T) {
	f := newFixture()
	f.pending("paid", "2", 0)
	f.ledger.set(200_000_000, utxo("tx-paid", 200_000_000))

	p := NewPoller(f.store, f.detector, PollerConfig{Interval: 20 * time.Millisecond, Concurrency: 1}, discardLogger())
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return len(f.notifier.events(webhooks.EventPaymentConfirmed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
