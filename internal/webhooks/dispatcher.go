package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig holds delivery configuration.
type DispatcherConfig struct {
	Timeout          time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	Concurrency      int           `envconfig:"WEBHOOK_CONCURRENCY" default:"8"`
	MaxResponseBytes int64         `envconfig:"WEBHOOK_MAX_RESPONSE_BYTES" default:"1024"`
	UserAgent        string        `envconfig:"WEBHOOK_USER_AGENT" default:"KasPay-Webhooks/1.0"`
}

// Dispatcher signs and delivers payment events to subscribers.
type Dispatcher struct {
	store      Store
	cfg        DispatcherConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(store Store, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1024
	}
	return &Dispatcher{
		store: store,
		cfg:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// DispatchAsync delivers in the background, detached from the caller.
func (d *Dispatcher) DispatchAsync(merchantID, sessionID string, event Event, payment Payment) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deliver(context.Background(), merchantID, sessionID, event, payment); err != nil {
			d.logger.Error("webhook dispatch failed",
				"error", err,
				"merchant_id", merchantID,
				"session_id", sessionID,
				"event", event,
			)
		}
	}()
}

// Wait blocks until all background deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Deliver posts event to every active subscription of the merchant that
// accepts it. Each attempt is logged; endpoint failures are not returned.
func (d *Dispatcher) Deliver(ctx context.Context, merchantID, sessionID string, event Event, payment Payment) error {
	subs, err := d.store.ListSubscriptions(ctx, merchantID, true)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	var targets []*Subscription
	for _, s := range subs {
		if s.Active && s.Accepts(event) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(Payload{Event: event, Payment: payment})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range targets {
		g.Go(func() error {
			d.deliverOne(gctx, sub, sessionID, event, body)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliverOne(ctx context.Context, sub *Subscription, sessionID string, event Event, body []byte) {
	delivery := &Delivery{
		ID:             ulid.Make().String(),
		SubscriptionID: sub.ID,
		SessionID:      sessionID,
		Event:          event,
		Payload:        body,
		SentAt:         d.now().UTC(),
	}

	status, response, err := d.post(ctx, sub, event, body)
	if err != nil {
		delivery.Error = err.Error()
		d.logger.Warn("webhook delivery failed",
			"error", err,
			"subscription_id", sub.ID,
			"session_id", sessionID,
			"event", event,
		)
	} else {
		delivery.StatusCode = &status
		delivery.Response = response
		d.logger.Info("webhook delivered",
			"subscription_id", sub.ID,
			"session_id", sessionID,
			"event", event,
			"status", status,
		)
	}

	// the log write must not be cut short by the delivery deadline
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.RecordDelivery(logCtx, delivery); err != nil {
		d.logger.Error("failed to record webhook delivery",
			"error", err,
			"subscription_id", sub.ID,
			"session_id", sessionID,
		)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event Event, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEvent, string(event))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, storableText(respBody), nil
}

// storableText drops NUL bytes and invalid UTF-8, including a rune split
// by the read limit, so the body fits a Postgres TEXT column.
func storableText(b []byte) string {
	return strings.ToValidUTF8(strings.ReplaceAll(string(b), "\x00", ""), "")
}
