// Package sqlite provides an execution record store for single-node
// deployments that run without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// RecordStore keeps execution records in a SQLite database file. Every
// process sharing the file observes the same claim winner.
type RecordStore struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error { return s.db.Close() }

func (s *RecordStore) Get(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, status, result, created_at
		FROM execution_records
		WHERE idempotency_key = ?
	`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recordNotFound(key)
	}
	if err != nil {
		return nil, translate("get execution record", err)
	}
	return rec, nil
}

func (s *RecordStore) InsertProcessing(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (idempotency_key, status, created_at)
		VALUES (?, ?, ?)
	`, key, string(domain.ExecutionProcessing), now.UnixNano())
	if isConstraintViolation(err) {
		return nil, &domain.ConflictError{Key: key}
	}
	if err != nil {
		return nil, translate("insert execution record", err)
	}
	return &domain.ExecutionRecord{Key: key, Status: domain.ExecutionProcessing, CreatedAt: now}, nil
}

func (s *RecordStore) MarkCompleted(ctx context.Context, key string, result []byte) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateResult(result); err != nil {
		return nil, err
	}
	return s.transition(ctx, key, domain.ExecutionCompleted, result)
}

func (s *RecordStore) MarkFailed(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	return s.transition(ctx, key, domain.ExecutionFailed, nil)
}

// CountStale returns the number of records still processing that were
// claimed before olderThan.
func (s *RecordStore) CountStale(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM execution_records
		WHERE status = ? AND created_at < ?
	`, string(domain.ExecutionProcessing), olderThan.UnixNano()).Scan(&n)
	if err != nil {
		return 0, translate("count stale execution records", err)
	}
	return n, nil
}

func (s *RecordStore) transition(ctx context.Context, key string, to domain.ExecutionStatus, result []byte) (*domain.ExecutionRecord, error) {
	op := "mark execution record " + string(to)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translate(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload sql.NullString
	if result != nil {
		payload = sql.NullString{String: string(result), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE execution_records
		SET status = ?, result = ?
		WHERE idempotency_key = ? AND status = ?
	`, string(to), payload, key, string(domain.ExecutionProcessing))
	if err != nil {
		return nil, translate(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, translate(op, err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT idempotency_key, status, result, created_at
		FROM execution_records
		WHERE idempotency_key = ?
	`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recordNotFound(key)
	}
	if err != nil {
		return nil, translate(op, err)
	}
	if affected == 0 {
		return nil, &domain.InvalidTransitionError{Key: key, From: rec.Status, To: to}
	}

	if err := tx.Commit(); err != nil {
		return nil, translate(op, err)
	}
	return rec, nil
}

func scanRecord(row *sql.Row) (*domain.ExecutionRecord, error) {
	var (
		rec     domain.ExecutionRecord
		status  string
		result  sql.NullString
		created int64
	)
	if err := row.Scan(&rec.Key, &status, &result, &created); err != nil {
		return nil, err
	}
	rec.Status = domain.ExecutionStatus(status)
	rec.CreatedAt = time.Unix(0, created).UTC()
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	return &rec, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// translate maps driver errors onto the domain taxonomy. Lock contention
// and I/O failures are transient; everything else is wrapped.
func translate(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return &domain.StorageUnavailableError{Op: op, Err: err}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.StorageUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func recordNotFound(key string) error {
	return &domain.NotFoundError{Entity: "execution record", ID: key}
}
