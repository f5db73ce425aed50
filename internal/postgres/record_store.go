package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

const recordColumns = `idempotency_key, status, result, created_at`

// RecordStore keeps execution records in the execution_records table. Claims
// rely on the table's primary key, so every process sharing the database
// observes the same winner.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore wraps a pgxpool as an idempotency.RecordStore.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

func (s *RecordStore) Get(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	var rec *domain.ExecutionRecord
	err := s.inTx(ctx, "get execution record", pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM execution_records
			WHERE idempotency_key = $1
		`, key)
		var err error
		rec, err = scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return recordNotFound(key)
		}
		if err != nil {
			return translate("get execution record", err)
		}
		return nil
	})
	return rec, err
}

func (s *RecordStore) InsertProcessing(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	var rec *domain.ExecutionRecord
	err := s.inTx(ctx, "insert execution record", pgx.TxOptions{}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO execution_records (idempotency_key, status)
			VALUES ($1, $2)
			RETURNING `+recordColumns,
			key, string(domain.ExecutionProcessing),
		)
		var err error
		rec, err = scanRecord(row)
		if isUniqueViolation(err) {
			return &domain.ConflictError{Key: key}
		}
		if err != nil {
			return translate("insert execution record", err)
		}
		return nil
	})
	return rec, err
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
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM execution_records
		WHERE status = $1 AND created_at < $2
	`, string(domain.ExecutionProcessing), olderThan).Scan(&n)
	if err != nil {
		return 0, translate("count stale execution records", err)
	}
	return n, nil
}

// transition moves a processing record to a terminal status. The status guard
// in the UPDATE keeps terminal records from being revisited.
func (s *RecordStore) transition(ctx context.Context, key string, to domain.ExecutionStatus, result []byte) (*domain.ExecutionRecord, error) {
	op := "mark execution record " + string(to)
	var rec *domain.ExecutionRecord
	err := s.inTx(ctx, op, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var payload any
		if result != nil {
			payload = string(result)
		}
		row := tx.QueryRow(ctx, `
			UPDATE execution_records
			SET status = $2, result = $3::json
			WHERE idempotency_key = $1 AND status = $4
			RETURNING `+recordColumns,
			key, string(to), payload, string(domain.ExecutionProcessing),
		)
		var err error
		rec, err = scanRecord(row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return translate(op, err)
		}

		var current string
		err = tx.QueryRow(ctx, `SELECT status FROM execution_records WHERE idempotency_key = $1`, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return recordNotFound(key)
		}
		if err != nil {
			return translate(op, err)
		}
		return &domain.InvalidTransitionError{Key: key, From: domain.ExecutionStatus(current), To: to}
	})
	return rec, err
}

// inTx runs fn in its own transaction. fn's error is returned unchanged and
// the transaction is rolled back; otherwise it is committed.
func (s *RecordStore) inTx(ctx context.Context, op string, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return translate(op, err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(op, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var status string
	var result []byte
	if err := row.Scan(&rec.Key, &status, &result, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.ExecutionStatus(status)
	rec.Result = result
	return &rec, nil
}

func recordNotFound(key string) error {
	return &domain.NotFoundError{Entity: "execution record", ID: key}
}
