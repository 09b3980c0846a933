package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"kaspay/internal/common/database"
	"kaspay/internal/common/events"
	"kaspay/internal/common/middleware"
	"kaspay/internal/common/money"
	"kaspay/internal/indexer"
	"kaspay/internal/webhooks"
)

var (
	ErrLinkNotFound     = errors.New("payment link not found")
	ErrLinkInactive     = errors.New("payment link is not active")
	ErrLinkExpired      = errors.New("payment link has expired")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrSessionNotFound  = errors.New("payment session not found")
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrMerchantExists   = errors.New("merchant already exists")
	ErrInvalidAddress   = errors.New("invalid receiving address")
	ErrInvalidExpiry    = errors.New("expiry must be between 5 and 1440 minutes")

	// ErrPendingSessionExists is returned by Store.CreateSession when the
	// link already has a pending session.
	ErrPendingSessionExists = errors.New("link already has a pending session")
)

// Store persists merchants, links and sessions.
type Store interface {
	CreateMerchant(ctx context.Context, m *Merchant) error
	GetMerchant(ctx context.Context, id string) (*Merchant, error)
	GetMerchantByAPIKey(ctx context.Context, apiKey string) (*Merchant, error)
	UpdateMerchant(ctx context.Context, m *Merchant) error

	CreateLink(ctx context.Context, l *Link) error
	GetLink(ctx context.Context, merchantID, id string) (*Link, error)
	GetLinkBySlug(ctx context.Context, slug string) (*Link, error)
	ListLinks(ctx context.Context, merchantID string, limit, offset int) ([]*Link, error)
	UpdateLink(ctx context.Context, l *Link) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetLatestSessionForLink(ctx context.Context, linkID string) (*Session, error)
	ListSessions(ctx context.Context, merchantID string, filter SessionFilter) ([]*Session, error)
	ListPendingSessions(ctx context.Context, afterID string, limit int) ([]*Session, error)
	// ConfirmSession applies c only if the session is still pending and
	// reports whether it did.
	ConfirmSession(ctx context.Context, id string, c Confirmation) (bool, error)
	// ExpireSession moves a pending session past its expiry to expired and
	// reports whether it did.
	ExpireSession(ctx context.Context, id string, now time.Time) (bool, error)

	GetStats(ctx context.Context, merchantID string) (*Stats, error)
}

// Ledger is the read-only view of the chain used to detect payments.
type Ledger interface {
	GetBalance(ctx context.Context, address string) (int64, error)
	GetUtxos(ctx context.Context, address string) ([]indexer.Utxo, error)
	GetTransaction(ctx context.Context, txID string) (*indexer.Transaction, error)
}

// PriceOracle returns the price of one unit of base expressed in quote.
type PriceOracle interface {
	GetSpotRate(ctx context.Context, base, quote money.Currency) (decimal.Decimal, error)
}

// Notifier hands payment events to webhook delivery without blocking.
type Notifier interface {
	DispatchAsync(merchantID, sessionID string, event webhooks.Event, payment webhooks.Payment)
}

// Config holds payment engine configuration.
type Config struct {
	BalanceTimeout       time.Duration `envconfig:"PAYMENTS_BALANCE_TIMEOUT" default:"5s"`
	PollTimeout          time.Duration `envconfig:"PAYMENTS_POLL_TIMEOUT" default:"10s"`
	DefaultExpiryMinutes int           `envconfig:"PAYMENTS_DEFAULT_EXPIRY_MINUTES" default:"30"`
	AppURL               string        `envconfig:"APP_URL" default:"http://localhost:8080"`
}

// Service owns merchants, links and the session lifecycle.
type Service struct {
	store  Store
	ledger Ledger
	oracle PriceOracle
	cfg    Config
	logger *slog.Logger
	*announcer
}

// NewService creates a new payments service. publisher may be nil.
func NewService(store Store, ledger Ledger, oracle PriceOracle, notifier Notifier, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		oracle:    oracle,
		cfg:       cfg,
		logger:    logger,
		announcer: newAnnouncer(store, notifier, publisher, logger),
	}
}

// Detector returns a confirmation detector sharing this service's
// collaborators.
func (s *Service) Detector() *Detector {
	return &Detector{
		store:     s.store,
		ledger:    s.ledger,
		cfg:       s.cfg,
		logger:    s.logger,
		announcer: s.announcer,
	}
}

// OpenSessionRequest is the request to open or resume a session.
type OpenSessionRequest struct {
	Slug          string         `json:"payment_link_slug" validate:"required,max=300"`
	CustomerEmail string         `json:"customer_email,omitempty" validate:"omitempty,email,max=255"`
	CustomerName  string         `json:"customer_name,omitempty" validate:"omitempty,max=255"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Checkout is a session together with the link it was opened for.
type Checkout struct {
	Session *Session
	Link    *Link
}

// OpenSession returns the most recent session for the link, creating one
// only if the link has never had a session. A link therefore accepts a single
// payment: once its session is confirmed or expired, that session is returned
// on every later open.
func (s *Service) OpenSession(ctx context.Context, req OpenSessionRequest) (*Checkout, error) {
	now := s.now()

	link, err := s.store.GetLinkBySlug(ctx, req.Slug)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("loading link: %w", err)
	}
	if link.Status != LinkActive {
		return nil, ErrLinkInactive
	}
	if link.IsExpired(now) {
		return nil, ErrLinkExpired
	}

	latest, err := s.store.GetLatestSessionForLink(ctx, link.ID)
	switch {
	case err == nil:
		if latest.IsPastExpiry(now) {
			if latest, err = s.expire(ctx, latest, now); err != nil {
				return nil, err
			}
		}
		return &Checkout{Session: latest, Link: link}, nil
	case !database.IsNotFound(err):
		return nil, fmt.Errorf("loading latest session: %w", err)
	}

	merchant, err := s.store.GetMerchant(ctx, link.MerchantID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("loading merchant: %w", err)
	}
	if !indexer.IsValidAddress(merchant.ReceivingAddress) {
		return nil, ErrInvalidAddress
	}

	expected, err := s.settlementAmount(ctx, link)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:             ulid.Make().String(),
		PaymentLinkID:  link.ID,
		MerchantID:     merchant.ID,
		Address:        merchant.ReceivingAddress,
		AmountExpected: expected,
		InitialBalance: s.snapshotBalance(ctx, merchant.ReceivingAddress),
		Status:         SessionPending,
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.sessionTimeout(link, merchant)),
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, ErrPendingSessionExists) {
			// a concurrent request opened the session first
			winner, gerr := s.store.GetLatestSessionForLink(ctx, link.ID)
			if gerr != nil {
				return nil, fmt.Errorf("loading concurrent session: %w", gerr)
			}
			return &Checkout{Session: winner, Link: link}, nil
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("payment session opened",
		"session_id", session.ID,
		"link_id", link.ID,
		"merchant_id", merchant.ID,
		"amount_expected", money.FormatKAS(expected),
		"initial_balance", session.InitialBalance,
		"expires_at", session.ExpiresAt,
	)
	s.publish(ctx, session, events.EventSessionOpened)

	return &Checkout{Session: session, Link: link}, nil
}

func (s *Service) settlementAmount(ctx context.Context, link *Link) (decimal.Decimal, error) {
	if !link.Currency.IsFiat() {
		return link.Amount, nil
	}

	rate, err := s.oracle.GetSpotRate(ctx, money.KAS, link.Currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	expected, err := money.ConvertToSettlement(link.Amount, rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !expected.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: converted amount rounds to zero", ErrPriceUnavailable)
	}
	return expected, nil
}

// snapshotBalance records the anti-replay baseline. Failures fall back to
// zero so checkout is never blocked on the indexer.
func (s *Service) snapshotBalance(ctx context.Context, address string) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BalanceTimeout)
	defer cancel()

	balance, err := s.ledger.GetBalance(ctx, address)
	if err != nil {
		s.logger.Warn("initial balance snapshot failed", "error", err, "address", address)
		return 0
	}
	return balance
}

func (s *Service) sessionTimeout(link *Link, merchant *Merchant) time.Duration {
	minutes := max(link.ExpiryMinutes, merchant.PaymentExpiryMinutes)
	if minutes <= 0 {
		minutes = s.cfg.DefaultExpiryMinutes
	}
	if minutes <= 0 {
		minutes = DefaultExpiryMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// GetSession returns a session, expiring it first if its time has passed.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if now := s.now(); session.IsPastExpiry(now) {
		return s.expire(ctx, session, now)
	}
	return session, nil
}

// ListSessions returns a merchant's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, merchantID string, filter SessionFilter) ([]*Session, error) {
	return s.store.ListSessions(ctx, merchantID, filter)
}

// Stats returns the merchant dashboard summary.
func (s *Service) Stats(ctx context.Context, merchantID string) (*Stats, error) {
	return s.store.GetStats(ctx, merchantID)
}

// announcer performs the shared terminal transitions and fans out their
// notifications.
type announcer struct {
	store     Store
	notifier  Notifier
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func newAnnouncer(store Store, notifier Notifier, publisher events.EventPublisher, logger *slog.Logger) *announcer {
	return &announcer{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// expire moves a pending session past its expiry to expired. Only the
// caller whose write applied announces the transition.
func (a *announcer) expire(ctx context.Context, session *Session, now time.Time) (*Session, error) {
	applied, err := a.store.ExpireSession(ctx, session.ID, now)
	if err != nil {
		return nil, fmt.Errorf("expiring session: %w", err)
	}
	if !applied {
		return a.reload(ctx, session.ID)
	}

	session.Status = SessionExpired
	a.logger.Info("payment session expired",
		"session_id", session.ID,
		"merchant_id", session.MerchantID,
		"expires_at", session.ExpiresAt,
	)
	a.announce(ctx, session, webhooks.EventPaymentExpired, events.EventPaymentExpired)
	return session, nil
}

func (a *announcer) reload(ctx context.Context, id string) (*Session, error) {
	session, err := a.store.GetSession(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reloading session: %w", err)
	}
	return session, nil
}

func (a *announcer) announce(ctx context.Context, session *Session, hook webhooks.Event, eventType string) {
	if a.notifier != nil {
		a.notifier.DispatchAsync(session.MerchantID, session.ID, hook, webhookPayment(session))
	}
	a.publish(ctx, session, eventType)
}

// publish emits a domain event in the background when a broker is configured.
func (a *announcer) publish(ctx context.Context, session *Session, eventType string) {
	if a.publisher == nil {
		return
	}
	evt, err := events.NewEvent(eventType, session.MerchantID, events.AggregateSession, session.ID, sessionEventData(session))
	if err != nil {
		a.logger.Error("failed to build event", "error", err, "type", eventType)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.publisher.Publish(ctx, evt); err != nil {
			a.logger.Warn("failed to publish event",
				"error", err,
				"type", eventType,
				"session_id", session.ID,
			)
		}
	}()
}

// Wait blocks until in-flight event publications finish.
func (a *announcer) Wait() {
	a.wg.Wait()
}

func webhookPayment(s *Session) webhooks.Payment {
	p := webhooks.Payment{
		ID:             s.ID,
		Status:         string(s.Status),
		AmountExpected: money.FormatKAS(s.AmountExpected),
		Address:        s.Address,
		SenderAddress:  optional(s.SenderAddress),
		TxID:           optional(s.TxID),
		CustomerEmail:  optional(s.CustomerEmail),
		CustomerName:   optional(s.CustomerName),
		ConfirmedAt:    s.ConfirmedAt,
	}
	if s.AmountReceived != nil {
		received := money.FormatKAS(*s.AmountReceived)
		p.AmountReceived = &received
	}
	return p
}

func sessionEventData(s *Session) events.SessionEventData {
	d := events.SessionEventData{
		SessionID:      s.ID,
		PaymentLinkID:  s.PaymentLinkID,
		Status:         string(s.Status),
		Address:        s.Address,
		AmountExpected: money.FormatKAS(s.AmountExpected),
		TxID:           s.TxID,
		ExpiresAt:      s.ExpiresAt,
		ConfirmedAt:    s.ConfirmedAt,
	}
	if s.AmountReceived != nil {
		d.AmountReceived = money.FormatKAS(*s.AmountReceived)
	}
	return d
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
