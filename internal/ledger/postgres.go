package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

var _ Ledger = (*Postgres)(nil)

const recordColumns = `id, partition_key, file_name, file_size, source_locator, metadata_pointer,
	processed, processed_time, container_id, meta_id, file_version, status_code, cause, created_at`

// PostgresConfig configures the PostgreSQL ledger.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// Postgres implements Ledger on PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu      sync.RWMutex
	ensured map[string]bool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log *slog.Logger) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log = log.With("component", "ledger")
	log.Info("connected to PostgreSQL ledger", "max_conns", poolCfg.MaxConns)

	return &Postgres{
		pool:    pool,
		log:     log,
		ensured: make(map[string]bool),
	}, nil
}

// schemaFor renders the schema template for table.
func schemaFor(table string) string {
	return fmt.Sprintf(schemaSQL,
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{table + "_file_name_key"}.Sanitize(),
		pgx.Identifier{table + "_unprocessed_idx"}.Sanitize(),
	)
}

// EnsureTable creates the table and its indexes if needed.
func (p *Postgres) EnsureTable(ctx context.Context, table string) error {
	p.mu.RLock()
	done := p.ensured[table]
	p.mu.RUnlock()
	if done {
		return nil
	}

	if _, err := p.pool.Exec(ctx, schemaFor(table)); err != nil {
		return p.fail("ensure_table", fmt.Errorf("ensure table %s: %w", table, err))
	}

	p.mu.Lock()
	p.ensured[table] = true
	p.mu.Unlock()

	p.log.Debug("ledger table ready", "table", table)
	return nil
}

// FindUnprocessed returns unprocessed records in insertion order.
func (p *Postgres) FindUnprocessed(ctx context.Context, table string) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE processed = FALSE ORDER BY seq`,
		recordColumns, pgx.Identifier{table}.Sanitize())
	return p.query(ctx, "find_unprocessed", query)
}

// FindByID returns the record with the given ID, if any.
func (p *Postgres) FindByID(ctx context.Context, table, id string) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		recordColumns, pgx.Identifier{table}.Sanitize())
	return p.query(ctx, "find_by_id", query, id)
}

// FindByName returns the record with the given file name, if any.
func (p *Postgres) FindByName(ctx context.Context, table, fileName string) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE file_name = $1`,
		recordColumns, pgx.Identifier{table}.Sanitize())
	return p.query(ctx, "find_by_name", query, fileName)
}

// Insert adds rec unless its file name is already recorded.
func (p *Postgres) Insert(ctx context.Context, table string, rec Record) (bool, error) {
	if err := rec.validate(); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (file_name) DO NOTHING
	`, pgx.Identifier{table}.Sanitize(), recordColumns)

	tag, err := p.pool.Exec(ctx, query, recordArgs(rec)...)
	if err != nil {
		return false, p.fail("insert", fmt.Errorf("insert %s: %w", rec.FileName, mapError(err)))
	}
	return tag.RowsAffected() == 1, nil
}

// Update replaces the record keyed by rec.ID. A processed record stays processed.
func (p *Postgres) Update(ctx context.Context, table string, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s AS r (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id)
		DO UPDATE SET
			partition_key = EXCLUDED.partition_key,
			file_name = EXCLUDED.file_name,
			file_size = EXCLUDED.file_size,
			source_locator = EXCLUDED.source_locator,
			metadata_pointer = EXCLUDED.metadata_pointer,
			processed = r.processed OR EXCLUDED.processed,
			processed_time = EXCLUDED.processed_time,
			container_id = EXCLUDED.container_id,
			meta_id = EXCLUDED.meta_id,
			file_version = EXCLUDED.file_version,
			status_code = EXCLUDED.status_code,
			cause = EXCLUDED.cause
	`, pgx.Identifier{table}.Sanitize(), recordColumns)

	if _, err := p.pool.Exec(ctx, query, recordArgs(rec)...); err != nil {
		return p.fail("update", fmt.Errorf("update %s: %w", rec.ID, mapError(err)))
	}
	return nil
}

// Close releases database connections.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) query(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, p.fail(op, fmt.Errorf("%s: %w", op, mapError(err)))
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, p.fail(op, fmt.Errorf("%s: scan: %w", op, mapError(err)))
	}
	return records, nil
}

func (p *Postgres) fail(op string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncLedgerErrors(metrics.Labels{Operation: op})
	}
	return err
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		rec           Record
		processedTime *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.PartitionKey, &rec.FileName, &rec.FileSize,
		&rec.SourceLocator, &rec.MetadataPointer, &rec.Processed, &processedTime,
		&rec.ContainerID, &rec.MetaID, &rec.FileVersion, &rec.StatusCode,
		&rec.Cause, &rec.CreatedAt,
	)
	if processedTime != nil {
		rec.ProcessedTime = processedTime.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, err
}

func recordArgs(rec Record) []any {
	var processedTime *time.Time
	if !rec.ProcessedTime.IsZero() {
		processedTime = &rec.ProcessedTime
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return []any{
		rec.ID,
		rec.PartitionKey,
		rec.FileName,
		rec.FileSize,
		rec.SourceLocator,
		rec.MetadataPointer,
		rec.Processed,
		processedTime,
		rec.ContainerID,
		rec.MetaID,
		rec.FileVersion,
		int32(rec.StatusCode),
		rec.Cause,
		createdAt,
	}
}

// mapError translates PostgreSQL errors into ledger sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UndefinedTable:
		return fmt.Errorf("%w: %s", ErrTableNotFound, pgErr.Message)
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicateFileName, pgErr.Message)
	}
	return err
}
