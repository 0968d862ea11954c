package dbx

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err carries a PostgreSQL unique violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Classify maps low-level store failures onto the shared sentinels:
// deadlines and broken connections become common.ErrStoreUnavailable, unique
// violations become common.ErrorAlreadyExists and a caller that went away
// becomes common.ErrRequestCanceled. Other errors pass through.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrStoreUnavailable), errors.Is(err, common.ErrorAlreadyExists),
		errors.Is(err, common.ErrRequestCanceled):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", common.ErrRequestCanceled, err)
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", common.ErrorAlreadyExists, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	}
	return err
}
