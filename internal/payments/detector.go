package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"kaspay/internal/common/database"
	"kaspay/internal/common/events"
	"kaspay/internal/common/money"
	"kaspay/internal/webhooks"
)

// Detector reconciles pending sessions against the ledger.
//
// Detection prefers an unspent output whose amount equals the expected
// amount exactly. Failing that it falls back to comparing the address
// balance with the snapshot taken when the session was opened. The
// fallback cannot tell which of several pending sessions on the same
// address a deposit was meant for, so it may credit an older session
// first; this is a known limitation.
type Detector struct {
	store  Store
	ledger Ledger
	cfg    Config
	logger *slog.Logger
	*announcer
}

type match struct {
	txID     string
	received decimal.Decimal
	tier     string
}

// Poll advances a session towards a terminal state and returns it. Ledger
// failures leave the session pending; the only error surfaced for a
// missing session is ErrSessionNotFound.
func (d *Detector) Poll(ctx context.Context, id string) (*Session, error) {
	session, err := d.store.GetSession(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if session.IsTerminal() {
		return session, nil
	}

	now := d.now()
	if session.IsPastExpiry(now) {
		return d.expire(ctx, session, now)
	}

	pollCtx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()

	m, ok := d.detect(pollCtx, session)
	if !ok {
		return session, nil
	}

	confirmation := Confirmation{
		AmountReceived: m.received,
		TxID:           m.txID,
		SenderAddress:  d.resolveSender(pollCtx, m.txID),
		ConfirmedAt:    now,
	}

	applied, err := d.store.ConfirmSession(ctx, session.ID, confirmation)
	if err != nil {
		return nil, fmt.Errorf("confirming session: %w", err)
	}
	if !applied {
		d.logger.Debug("session already finalized by another poll", "session_id", session.ID)
		return d.reload(ctx, session.ID)
	}

	session.apply(confirmation)
	d.logger.Info("payment session confirmed",
		"session_id", session.ID,
		"merchant_id", session.MerchantID,
		"tx_id", m.txID,
		"tier", m.tier,
		"amount_received", money.FormatKAS(m.received),
	)
	d.announce(ctx, session, webhooks.EventPaymentConfirmed, events.EventPaymentConfirmed)

	return session, nil
}

func (d *Detector) detect(ctx context.Context, session *Session) (match, bool) {
	expected := session.ExpectedSompi()

	utxos, err := d.ledger.GetUtxos(ctx, session.Address)
	if err != nil {
		d.logger.Debug("utxo lookup failed", "error", err, "session_id", session.ID)
		return match{}, false
	}

	for _, u := range utxos {
		if u.Amount == expected {
			return match{txID: u.TransactionID, received: session.AmountExpected, tier: "exact"}, true
		}
	}

	balance, err := d.ledger.GetBalance(ctx, session.Address)
	if err != nil {
		d.logger.Debug("balance lookup failed", "error", err, "session_id", session.ID)
		return match{}, false
	}

	delta := balance - session.InitialBalance
	if delta >= expected && len(utxos) > 0 {
		return match{txID: utxos[0].TransactionID, received: money.FromSompi(delta), tier: "balance"}, true
	}
	return match{}, false
}

func (d *Detector) resolveSender(ctx context.Context, txID string) string {
	if txID == "" {
		return ""
	}
	tx, err := d.ledger.GetTransaction(ctx, txID)
	if err != nil {
		d.logger.Debug("sender lookup failed", "error", err, "tx_id", txID)
		return ""
	}
	return tx.SenderAddress()
}
