package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/kaspay?sslmode=disable", MigrationURL("postgres://u:p@db:5432/kaspay?sslmode=disable"))
	assert.Equal(t, "pgx5://db/kaspay", MigrationURL("postgresql://db/kaspay"))
	assert.Equal(t, "pgx5://db/kaspay", MigrationURL("pgx5://db/kaspay"))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("loading: %w", pgx.ErrNoRows)))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(errors.New("boom")))

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "payment_sessions_one_pending_per_link"}
	wrapped := fmt.Errorf("insert: %w", unique)
	assert.True(t, IsUniqueViolation(wrapped))
	assert.Equal(t, "payment_sessions_one_pending_per_link", ConstraintName(wrapped))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.Equal(t, "", ConstraintName(errors.New("plain")))
}
