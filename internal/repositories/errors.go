package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateTransactionID is returned when an insert violates the
	// unique transaction_id index. Callers should retry with a fresh UUID.
	ErrDuplicateTransactionID = errors.New("duplicate transaction id")

	// ErrInvalidTransition is returned when a status write would violate the
	// escrow state machine, e.g. reopening a completed record.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// translateErr maps pgx errors to the repository sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateTransactionID
	}
	return err
}
