package database

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
)

// IsNoRows reports whether err means a single-row query matched
// nothing, regardless of which driver produced it.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
