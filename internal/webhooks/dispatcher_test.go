package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	body      []byte
	signature string
	event     string
	ctype     string
}

type receiver struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	srv      *httptest.Server
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	rc := &receiver{status: status}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.requests = append(rc.requests, capturedRequest{
			body:      body,
			signature: r.Header.Get(HeaderSignature),
			event:     r.Header.Get(HeaderEvent),
			ctype:     r.Header.Get("Content-Type"),
		})
		rc.mu.Unlock()
		w.WriteHeader(rc.status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) received() []capturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]capturedRequest(nil), rc.requests...)
}

func samplePayment() Payment {
	amount := "1000.00000000"
	tx := "tx-1"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Payment{
		ID:             "sess-1",
		Status:         "confirmed",
		AmountExpected: "1000.00000000",
		AmountReceived: &amount,
		Address:        "kaspa:merchant",
		TxID:           &tx,
		ConfirmedAt:    &now,
	}
}

func sub(id, url string, events ...Event) *Subscription {
	return &Subscription{ID: id, MerchantID: "m1", URL: url, Events: events, Secret: "secret-" + id, Active: true}
}

func TestDeliverSignsExactBody(t *testing.T) {
	rc := newReceiver(t, http.StatusOK)
	store := newMockStore(sub("s1", rc.srv.URL, EventPaymentConfirmed))
	d := NewDispatcher(store, DispatcherConfig{Timeout: time.Second, Concurrency: 4}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment()))

	reqs := rc.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].ctype)
	assert.Equal(t, string(EventPaymentConfirmed), reqs[0].event)
	assert.Equal(t, Sign("secret-s1", reqs[0].body), reqs[0].signature)
	assert.True(t, Verify("secret-s1", reqs[0].body, reqs[0].signature))
	assert.False(t, Verify("other", reqs[0].body, reqs[0].signature))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	assert.Equal(t, "payment.confirmed", payload["event"])
	payment := payload["payment"].(map[string]any)
	assert.Equal(t, "sess-1", payment["id"])
	assert.Equal(t, "1000.00000000", payment["amountReceived"])
	assert.Nil(t, payment["senderAddress"])

	logs := store.recorded()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].StatusCode)
	assert.Equal(t, http.StatusOK, *logs[0].StatusCode)
	assert.Equal(t, "ok", logs[0].Response)
	assert.JSONEq(t, string(reqs[0].body), string(logs[0].Payload))
}

func TestDeliverFiltersByEvent(t *testing.T) {
	expiredOnly := newReceiver(t, http.StatusOK)
	wildcard := newReceiver(t, http.StatusOK)
	store := newMockStore(
		sub("s1", expiredOnly.srv.URL, EventPaymentExpired),
		sub("s2", wildcard.srv.URL, EventAll),
	)
	d := NewDispatcher(store, DispatcherConfig{Timeout: time.Second, Concurrency: 2}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment()))
	assert.Empty(t, expiredOnly.received())
	assert.Len(t, wildcard.received(), 1)

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentExpired, samplePayment()))
	assert.Len(t, expiredOnly.received(), 1)
	assert.Len(t, wildcard.received(), 2)
}

func TestDeliverIsolatesFailures(t *testing.T) {
	good := newReceiver(t, http.StatusOK)
	failing := newReceiver(t, http.StatusInternalServerError)
	store := newMockStore(
		sub("s1", "http://127.0.0.1:1/unreachable", EventAll),
		sub("s2", failing.srv.URL, EventAll),
		sub("s3", good.srv.URL, EventAll),
	)
	d := NewDispatcher(store, DispatcherConfig{Timeout: time.Second, Concurrency: 1}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment()))
	assert.Len(t, good.received(), 1)
	assert.Len(t, failing.received(), 1)

	logs := store.recorded()
	require.Len(t, logs, 3)
	bySub := map[string]*Delivery{}
	for _, l := range logs {
		bySub[l.SubscriptionID] = l
	}
	assert.Nil(t, bySub["s1"].StatusCode)
	assert.NotEmpty(t, bySub["s1"].Error)
	assert.Equal(t, http.StatusInternalServerError, *bySub["s2"].StatusCode)
	assert.False(t, bySub["s2"].Succeeded())
	assert.True(t, bySub["s3"].Succeeded())
}

func TestDeliverSkipsInactiveAndOtherMerchants(t *testing.T) {
	rc := newReceiver(t, http.StatusOK)
	inactive := sub("s1", rc.srv.URL, EventAll)
	inactive.Active = false
	other := sub("s2", rc.srv.URL, EventAll)
	other.MerchantID = "m2"
	store := newMockStore(inactive, other)
	d := NewDispatcher(store, DispatcherConfig{}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment()))
	assert.Empty(t, rc.received())
	assert.Empty(t, store.recorded())
}

func TestDeliverTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	store := newMockStore(sub("s1", slow.URL, EventAll))
	d := NewDispatcher(store, DispatcherConfig{Timeout: 50 * time.Millisecond}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentExpired, samplePayment()))
	logs := store.recorded()
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].Error)
}

func TestDeliverListError(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("db down")
	d := NewDispatcher(store, DispatcherConfig{}, discardLogger())

	err := d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment())
	assert.Error(t, err)
}

func TestDispatchAsyncWait(t *testing.T) {
	rc := newReceiver(t, http.StatusAccepted)
	store := newMockStore(sub("s1", rc.srv.URL, EventPaymentConfirmed))
	d := NewDispatcher(store, DispatcherConfig{Timeout: time.Second}, discardLogger())

	d.DispatchAsync("m1", "sess-1", EventPaymentConfirmed, samplePayment())
	d.Wait()

	assert.Len(t, rc.received(), 1)
	assert.Len(t, store.recorded(), 1)
}

func TestResponseTruncatedToStorableText(t *testing.T) {
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\x00\x00" + strings.Repeat("a", 13) + "é" + strings.Repeat("b", 4096)))
	}))
	t.Cleanup(big.Close)

	store := newMockStore(sub("s1", big.URL, EventAll))
	d := NewDispatcher(store, DispatcherConfig{MaxResponseBytes: 16}, discardLogger())

	require.NoError(t, d.Deliver(context.Background(), "m1", "sess-1", EventPaymentConfirmed, samplePayment()))
	logs := store.recorded()
	require.Len(t, logs, 1)
	assert.Equal(t, strings.Repeat("a", 13), logs[0].Response)
	assert.True(t, utf8.ValidString(logs[0].Response))
	assert.NotContains(t, logs[0].Response, "\x00")
}

func TestStorableText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte(`{"ok":true}`), `{"ok":true}`},
		{"nul bytes", []byte("a\x00b\x00"), "ab"},
		{"split rune", []byte("caf\xc3"), "caf"},
		{"invalid bytes", []byte("x\xff\xfey"), "xy"},
		{"multibyte kept", []byte("café"), "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storableText(tt.in))
		})
	}
}
