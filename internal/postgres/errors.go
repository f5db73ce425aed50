package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

// translate maps a driver error onto the domain error taxonomy. Errors that
// never reached the server (dial, I/O, timeouts) are treated as unavailable.
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return &domain.StorageUnavailableError{Op: op, Err: err}
	}
	switch {
	case pgerrcode.IsDataException(pgErr.Code):
		field := pgErr.ColumnName
		if field == "" {
			field = "value"
		}
		return &domain.ValidationError{Field: field, Reason: pgErr.Message}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code),
		pgerrcode.IsOperatorIntervention(pgErr.Code):
		return &domain.StorageUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
