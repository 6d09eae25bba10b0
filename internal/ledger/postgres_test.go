package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaForQuotesIdentifiers(t *testing.T) {
	sql := schemaFor(`evil"; DROP TABLE x; --`)
	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "evil""; DROP TABLE x; --"`)
	assert.NotContains(t, sql, "%[")
	assert.True(t, strings.Contains(sql, "UNIQUE (file_name)"))
}

func TestMapError(t *testing.T) {
	undefined := &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "x" does not exist`}
	assert.ErrorIs(t, mapError(fmt.Errorf("query: %w", undefined)), ErrTableNotFound)

	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"}
	assert.ErrorIs(t, mapError(unique), ErrDuplicateFileName)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}

func TestRecordArgsNullsZeroProcessedTime(t *testing.T) {
	args := recordArgs(Record{ID: "1", FileName: "a"})
	require.Len(t, args, 14)
	assert.Nil(t, args[7].(*time.Time))
	assert.False(t, args[13].(time.Time).IsZero())
}

// TestPostgresRoundTrip runs against a real database when LEDGER_TEST_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set")
	}

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn}, log)
	require.NoError(t, err)
	defer p.Close()

	table := fmt.Sprintf("ledger_test_%d", time.Now().UnixNano())
	defer p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)

	_, err = p.FindUnprocessed(ctx, table)
	assert.ErrorIs(t, err, ErrTableNotFound)

	require.NoError(t, p.EnsureTable(ctx, table))

	rec := NewRecord("share", "a.las")
	ok, err := p.Insert(ctx, table, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Insert(ctx, table, NewRecord("share", "a.las"))
	require.NoError(t, err)
	assert.False(t, ok)

	rec.Processed = true
	rec.ProcessedTime = time.Now().UTC()
	require.NoError(t, p.Update(ctx, table, rec))
	rec.Processed = false
	require.NoError(t, p.Update(ctx, table, rec))

	found, err := p.FindByID(ctx, table, rec.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Processed)

	pending, err := p.FindUnprocessed(ctx, table)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
