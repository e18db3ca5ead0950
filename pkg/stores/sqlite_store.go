package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when an execution does not exist
var ErrNotFound = errors.New("execution not found")

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection with WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordExecution stores an execution and its records in one transaction.
// The script is stored zstd-compressed and addressed by its digest.
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec *Execution, records []Record) error {
	if exec.ID == "" {
		return fmt.Errorf("execution ID is required")
	}
	if exec.ScriptDigest == "" {
		exec.ScriptDigest = ScriptDigest(exec.Script)
	}
	exec.ScriptSize = len(exec.Script)

	metadata, err := json.Marshal(nonNilMetadata(exec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO executions (
			id, script_digest, script, script_size, status, attempts,
			error_code, error_message, transient, session_corrupted,
			output_count, error_count, warning_count,
			started_at, completed_at, duration_ms, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		exec.ID,
		exec.ScriptDigest,
		compressScript(exec.Script),
		exec.ScriptSize,
		exec.Status,
		exec.Attempts,
		exec.ErrorCode,
		exec.ErrorMessage,
		exec.Transient,
		exec.SessionCorrupted,
		exec.OutputCount,
		exec.ErrorCount,
		exec.WarningCount,
		exec.StartedAt.UnixNano(),
		exec.CompletedAt.UnixNano(),
		exec.Duration.Milliseconds(),
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO execution_records (execution_id, seq, kind, payload) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare record insert: %w", err)
		}
		defer stmt.Close()

		for i, rec := range records {
			seq := rec.Seq
			if seq == 0 {
				seq = i + 1
			}
			if _, err := stmt.ExecContext(ctx, exec.ID, seq, rec.Kind, rec.Payload); err != nil {
				return fmt.Errorf("failed to insert record %d: %w", seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

const executionColumns = `
	id, script_digest, script, script_size, status, attempts,
	error_code, error_message, transient, session_corrupted,
	output_count, error_count, warning_count,
	started_at, completed_at, duration_ms, metadata
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec       Execution
		script     []byte
		startedAt  int64
		completed  int64
		durationMS int64
		metadata   string
	)
	err := row.Scan(
		&exec.ID,
		&exec.ScriptDigest,
		&script,
		&exec.ScriptSize,
		&exec.Status,
		&exec.Attempts,
		&exec.ErrorCode,
		&exec.ErrorMessage,
		&exec.Transient,
		&exec.SessionCorrupted,
		&exec.OutputCount,
		&exec.ErrorCount,
		&exec.WarningCount,
		&startedAt,
		&completed,
		&durationMS,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	exec.Script, err = decompressScript(script, exec.ScriptSize)
	if err != nil {
		return nil, err
	}
	exec.StartedAt = time.Unix(0, startedAt).UTC()
	exec.CompletedAt = time.Unix(0, completed).UTC()
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(metadata), &exec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &exec, nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions lists executions with optional filters, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var since int64
	if !filter.Since.IsZero() {
		since = filter.Since.UnixNano()
	}

	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR script_digest = ?)
		  AND started_at >= ?
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`
	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query,
		status, status,
		filter.ScriptDigest, filter.ScriptDigest,
		since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// GetRecords returns the streamed records of an execution in order
func (s *SQLiteStore) GetRecords(ctx context.Context, executionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, payload FROM execution_records WHERE execution_id = ? ORDER BY seq`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Seq, &rec.Kind, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Prune deletes executions started before the cutoff, with their records
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Journal = (*SQLiteStore)(nil)
