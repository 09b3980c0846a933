package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"kaspay/internal/common/database"
	"kaspay/internal/common/events"
	"kaspay/internal/common/money"
	"kaspay/internal/indexer"
	"kaspay/internal/webhooks"
)

const testAddress = "kaspa:qpauqsvk7yf9unexwmxsnmg547mhyga37csh0kj53q6xxgl24ydxjsgzthw5j"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation.
type memStore struct {
	mu        sync.Mutex
	merchants map[string]*Merchant
	links     map[string]*Link
	sessions  map[string]*Session
	order     []string

	confirmCalls atomic.Int32
	// beforeCreate runs before a session insert takes the lock.
	beforeCreate func()
}

func newMemStore() *memStore {
	return &memStore{
		merchants: make(map[string]*Merchant),
		links:     make(map[string]*Link),
		sessions:  make(map[string]*Session),
	}
}

func (m *memStore) CreateMerchant(_ context.Context, mer *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.merchants {
		if existing.Email == mer.Email {
			return database.ErrAlreadyExists
		}
	}
	cp := *mer
	m.merchants[mer.ID] = &cp
	return nil
}

func (m *memStore) GetMerchant(_ context.Context, id string) (*Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mer, ok := m.merchants[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *mer
	return &cp, nil
}

func (m *memStore) GetMerchantByAPIKey(_ context.Context, apiKey string) (*Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mer := range m.merchants {
		if mer.APIKey == apiKey {
			cp := *mer
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) UpdateMerchant(_ context.Context, mer *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mer.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *mer
	m.merchants[mer.ID] = &cp
	return nil
}

func (m *memStore) CreateLink(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.links[l.ID] = &cp
	return nil
}

func (m *memStore) GetLink(_ context.Context, merchantID, id string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok || l.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) GetLinkBySlug(_ context.Context, slug string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Slug == slug {
			cp := *l
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListLinks(_ context.Context, merchantID string, limit, offset int) ([]*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Link
	for _, l := range m.links {
		if l.MerchantID == merchantID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *memStore) UpdateLink(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *l
	m.links[l.ID] = &cp
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.PaymentLinkID != "" {
		for _, existing := range m.sessions {
			if existing.PaymentLinkID == s.PaymentLinkID && existing.Status == SessionPending {
				return ErrPendingSessionExists
			}
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.order = append(m.order, s.ID)
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetLatestSessionForLink(_ context.Context, linkID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		if s.PaymentLinkID == linkID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListSessions(_ context.Context, merchantID string, filter SessionFilter) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		if s.MerchantID == merchantID && (filter.Status == "" || s.Status == filter.Status) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *memStore) ListPendingSessions(_ context.Context, afterID string, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == SessionPending && s.ID > afterID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, 0), nil
}

func (m *memStore) ConfirmSession(_ context.Context, id string, c Confirmation) (bool, error) {
	m.confirmCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if s.Status != SessionPending {
		return false, nil
	}
	s.apply(c)
	return true, nil
}

func (m *memStore) ExpireSession(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if !s.IsPastExpiry(now) {
		return false, nil
	}
	s.Status = SessionExpired
	return true, nil
}

func (m *memStore) GetStats(_ context.Context, merchantID string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &Stats{TotalVolume: decimal.Zero}
	for _, s := range m.sessions {
		if s.MerchantID != merchantID {
			continue
		}
		st.TotalPayments++
		switch s.Status {
		case SessionConfirmed:
			st.ConfirmedPayments++
			st.TotalVolume = st.TotalVolume.Add(*s.AmountReceived)
		case SessionPending:
			st.PendingPayments++
		case SessionExpired:
			st.ExpiredPayments++
		}
	}
	for _, l := range m.links {
		if l.MerchantID != merchantID {
			continue
		}
		st.TotalLinks++
		if l.Status == LinkActive {
			st.ActiveLinks++
		}
	}
	return st, nil
}

func (m *memStore) put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	m.order = append(m.order, s.ID)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// fakeLedger serves canned ledger data and counts calls.
type fakeLedger struct {
	mu       sync.Mutex
	balance  int64
	utxos    []indexer.Utxo
	tx       *indexer.Transaction
	err      error
	txErr    error
	delay    time.Duration
	calls    atomic.Int32
	balances atomic.Int32
}

func (f *fakeLedger) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeLedger) GetBalance(ctx context.Context, _ string) (int64, error) {
	f.calls.Add(1)
	f.balances.Add(1)
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.err
}

func (f *fakeLedger) GetUtxos(ctx context.Context, _ string) ([]indexer.Utxo, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]indexer.Utxo(nil), f.utxos...), nil
}

func (f *fakeLedger) GetTransaction(ctx context.Context, txID string) (*indexer.Transaction, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return nil, f.txErr
	}
	if f.tx != nil {
		return f.tx, nil
	}
	return &indexer.Transaction{ID: txID}, nil
}

func (f *fakeLedger) set(balance int64, utxos ...indexer.Utxo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = balance
	f.utxos = utxos
}

type fakeOracle struct {
	rate  decimal.Decimal
	err   error
	calls atomic.Int32
}

func (f *fakeOracle) GetSpotRate(_ context.Context, base, quote money.Currency) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.rate, nil
}

type dispatched struct {
	merchantID string
	sessionID  string
	event      webhooks.Event
	payment    webhooks.Payment
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []dispatched
}

func (r *recordingNotifier) DispatchAsync(merchantID, sessionID string, event webhooks.Event, payment webhooks.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, dispatched{merchantID, sessionID, event, payment})
}

func (r *recordingNotifier) events(event webhooks.Event) []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatched
	for _, c := range r.calls {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var errLedgerDown = errors.New("indexer unavailable")

type fixture struct {
	store     *memStore
	ledger    *fakeLedger
	oracle    *fakeOracle
	notifier  *recordingNotifier
	publisher *recordingPublisher
	svc       *Service
	detector  *Detector
	now       time.Time
	merchant  *Merchant
}

func newFixture() *fixture {
	f := &fixture{
		store:     newMemStore(),
		ledger:    &fakeLedger{},
		oracle:    &fakeOracle{rate: decimal.RequireFromString("0.10")},
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.ledger, f.oracle, f.notifier, f.publisher, Config{
		BalanceTimeout:       time.Second,
		PollTimeout:          time.Second,
		DefaultExpiryMinutes: 30,
		AppURL:               "https://pay.example/",
	}, discardLogger())
	f.svc.announcer.now = func() time.Time { return f.now }
	f.detector = f.svc.Detector()

	f.merchant = &Merchant{
		ID:                   "m1",
		Email:                "shop@example.com",
		Name:                 "Shop",
		ReceivingAddress:     testAddress,
		APIKey:               "kp_test",
		PaymentExpiryMinutes: 30,
	}
	_ = f.store.CreateMerchant(context.Background(), f.merchant)
	return f
}

func (f *fixture) link(slug, amount string, currency money.Currency) *Link {
	l := &Link{
		ID:            "link-" + slug,
		MerchantID:    f.merchant.ID,
		Title:         slug,
		Amount:        decimal.RequireFromString(amount),
		Currency:      currency,
		ExpiryMinutes: 15,
		Status:        LinkActive,
		Slug:          slug,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	_ = f.store.CreateLink(context.Background(), l)
	return l
}

// pending inserts a pending session expecting amount KAS.
func (f *fixture) pending(id, amount string, initialBalance int64) *Session {
	s := &Session{
		ID:             id,
		MerchantID:     f.merchant.ID,
		Address:        testAddress,
		AmountExpected: decimal.RequireFromString(amount),
		InitialBalance: initialBalance,
		Status:         SessionPending,
		CreatedAt:      f.now,
		ExpiresAt:      f.now.Add(30 * time.Minute),
	}
	f.store.put(s)
	return s
}
