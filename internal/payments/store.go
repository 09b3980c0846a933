package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"kaspay/internal/common/database"
	"kaspay/internal/common/money"
)

const pendingPerLinkIndex = "payment_sessions_one_pending_per_link"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const merchantColumns = `id, email, name, receiving_address, api_key, payment_expiry_minutes, created_at, updated_at`

// CreateMerchant inserts a merchant.
func (s *PostgresStore) CreateMerchant(ctx context.Context, m *Merchant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchants (`+merchantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Email, m.Name, m.ReceivingAddress, m.APIKey, m.PaymentExpiryMinutes, m.CreatedAt, m.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("merchant %s: %w", m.Email, database.ErrAlreadyExists)
	}
	return err
}

// GetMerchant retrieves a merchant by ID.
func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)
	return scanMerchant(row)
}

// GetMerchantByAPIKey retrieves a merchant by API key.
func (s *PostgresStore) GetMerchantByAPIKey(ctx context.Context, apiKey string) (*Merchant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE api_key = $1`, apiKey)
	return scanMerchant(row)
}

// UpdateMerchant updates a merchant's mutable profile fields.
func (s *PostgresStore) UpdateMerchant(ctx context.Context, m *Merchant) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE merchants SET name = $2, receiving_address = $3, payment_expiry_minutes = $4, updated_at = $5
		WHERE id = $1`,
		m.ID, m.Name, m.ReceivingAddress, m.PaymentExpiryMinutes, m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanMerchant(row pgx.Row) (*Merchant, error) {
	var m Merchant
	err := row.Scan(&m.ID, &m.Email, &m.Name, &m.ReceivingAddress, &m.APIKey,
		&m.PaymentExpiryMinutes, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning merchant: %w", err)
	}
	return &m, nil
}

const linkColumns = `id, merchant_id, title, description, amount, currency, expiry_minutes, expires_at,
	status, slug, redirect_url, success_message, created_at, updated_at`

// CreateLink inserts a payment link.
func (s *PostgresStore) CreateLink(ctx context.Context, l *Link) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.MerchantID, l.Title, l.Description, l.Amount, string(l.Currency), l.ExpiryMinutes, l.ExpiresAt,
		string(l.Status), l.Slug, l.RedirectURL, l.SuccessMessage, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// GetLink retrieves a merchant's link by ID.
func (s *PostgresStore) GetLink(ctx context.Context, merchantID, id string) (*Link, error) {
	row := s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE id = $1 AND merchant_id = $2`, id, merchantID)
	return scanLink(row)
}

// GetLinkBySlug retrieves a link by its public slug.
func (s *PostgresStore) GetLinkBySlug(ctx context.Context, slug string) (*Link, error) {
	row := s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE slug = $1`, slug)
	return scanLink(row)
}

// ListLinks lists a merchant's links, newest first.
func (s *PostgresStore) ListLinks(ctx context.Context, merchantID string, limit, offset int) ([]*Link, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+linkColumns+` FROM payment_links
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, merchantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpdateLink updates a payment link.
func (s *PostgresStore) UpdateLink(ctx context.Context, l *Link) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_links SET
			title = $3, description = $4, amount = $5, currency = $6, expiry_minutes = $7,
			expires_at = $8, status = $9, redirect_url = $10, success_message = $11, updated_at = $12
		WHERE id = $1 AND merchant_id = $2`,
		l.ID, l.MerchantID, l.Title, l.Description, l.Amount, string(l.Currency), l.ExpiryMinutes,
		l.ExpiresAt, string(l.Status), l.RedirectURL, l.SuccessMessage, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanLink(row pgx.Row) (*Link, error) {
	var (
		l        Link
		currency string
		status   string
	)
	err := row.Scan(&l.ID, &l.MerchantID, &l.Title, &l.Description, &l.Amount, &currency,
		&l.ExpiryMinutes, &l.ExpiresAt, &status, &l.Slug, &l.RedirectURL, &l.SuccessMessage,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning link: %w", err)
	}
	l.Currency = money.Currency(currency)
	l.Status = LinkStatus(status)
	return &l, nil
}

const sessionColumns = `id, payment_link_id, merchant_id, receiving_address, amount_expected, initial_balance,
	status, amount_received, tx_id, sender_address, customer_email, customer_name, metadata,
	created_at, expires_at, confirmed_at`

// CreateSession inserts a pending session. It returns
// ErrPendingSessionExists if the link already has one.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if sess.Metadata == nil {
		metadata = []byte(`{}`)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sess.ID, nullStr(sess.PaymentLinkID), sess.MerchantID, sess.Address, sess.AmountExpected, sess.InitialBalance,
		string(sess.Status), nullDecimal(sess.AmountReceived), nullStr(sess.TxID), nullStr(sess.SenderAddress),
		nullStr(sess.CustomerEmail), nullStr(sess.CustomerName), metadata,
		sess.CreatedAt, sess.ExpiresAt, sess.ConfirmedAt,
	)
	if database.IsUniqueViolation(err) && database.ConstraintName(err) == pendingPerLinkIndex {
		return ErrPendingSessionExists
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetLatestSessionForLink retrieves the most recently created session of a link.
func (s *PostgresStore) GetLatestSessionForLink(ctx context.Context, linkID string) (*Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE payment_link_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, linkID)
	return scanSession(row)
}

// ListSessions lists a merchant's sessions, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, merchantID string, filter SessionFilter) ([]*Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE merchant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, merchantID, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListPendingSessions lists pending sessions across merchants in ID order,
// starting after the given ID.
func (s *PostgresStore) ListPendingSessions(ctx context.Context, afterID string, limit int) ([]*Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE status = 'pending' AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ConfirmSession records a confirmation if the session is still pending.
func (s *PostgresStore) ConfirmSession(ctx context.Context, id string, c Confirmation) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_sessions SET
			status = 'confirmed', amount_received = $2, tx_id = $3, sender_address = $4, confirmed_at = $5
		WHERE id = $1 AND status = 'pending'`,
		id, c.AmountReceived, nullStr(c.TxID), nullStr(c.SenderAddress), c.ConfirmedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireSession expires a pending session whose expiry is at or before now.
func (s *PostgresStore) ExpireSession(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_sessions SET status = 'expired'
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetStats aggregates a merchant's sessions and links.
func (s *PostgresStore) GetStats(ctx context.Context, merchantID string) (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'confirmed'),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'expired'),
			COALESCE(sum(amount_received), 0)
		FROM payment_sessions
		WHERE merchant_id = $1`, merchantID,
	).Scan(&st.TotalPayments, &st.ConfirmedPayments, &st.PendingPayments, &st.ExpiredPayments, &st.TotalVolume)
	if err != nil {
		return nil, fmt.Errorf("aggregating sessions: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status = 'active')
		FROM payment_links
		WHERE merchant_id = $1`, merchantID,
	).Scan(&st.TotalLinks, &st.ActiveLinks)
	if err != nil {
		return nil, fmt.Errorf("aggregating links: %w", err)
	}
	return &st, nil
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess                                            Session
		linkID, txID, sender, customerEmail, customerNm *string
		status                                          string
		received                                        decimal.NullDecimal
		metadata                                        []byte
	)
	err := row.Scan(&sess.ID, &linkID, &sess.MerchantID, &sess.Address, &sess.AmountExpected, &sess.InitialBalance,
		&status, &received, &txID, &sender, &customerEmail, &customerNm, &metadata,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Status = SessionStatus(status)
	sess.PaymentLinkID = deref(linkID)
	sess.TxID = deref(txID)
	sess.SenderAddress = deref(sender)
	sess.CustomerEmail = deref(customerEmail)
	sess.CustomerName = deref(customerNm)
	if received.Valid {
		sess.AmountReceived = &received.Decimal
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		if len(sess.Metadata) == 0 {
			sess.Metadata = nil
		}
	}
	return &sess, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
