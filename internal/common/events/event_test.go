package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRoundTripsData(t *testing.T) {
	expires := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	evt, err := NewEvent(EventPaymentConfirmed, "m1", AggregateSession, "s1", SessionEventData{
		SessionID:      "s1",
		Status:         "confirmed",
		AmountExpected: "1000.00000000",
		AmountReceived: "1000.00000000",
		TxID:           "tx1",
		ExpiresAt:      expires,
	})
	require.NoError(t, err)
	evt.WithCorrelation("corr-1")

	assert.Len(t, evt.ID, 26)
	assert.Equal(t, 1, evt.Version)
	assert.Equal(t, "corr-1", evt.CorrelationID)

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var data SessionEventData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, "tx1", data.TxID)
	assert.Equal(t, expires, data.ExpiresAt)
	assert.Nil(t, data.ConfirmedAt)
}

func TestNewEventRejectsUnencodableData(t *testing.T) {
	_, err := NewEvent(EventPaymentExpired, "m1", AggregateSession, "s1", make(chan int))
	assert.Error(t, err)
}
