// Package store provides the versioned-record primitives shared by every
// repository in this module: soft-delete-and-reinsert updates, optimistic
// version checks, and successor version numbering.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinel-trading/backend/internal/apperr"
)

// SoftDeleteCurrent tombstones the live row (version=currentVersion,
// deleted_at IS NULL) for table identified by idColumn=id. Returns the
// number of rows affected, which callers use to detect a lost optimistic
// race: 0 rows means the version the caller had in hand is no longer current.
func SoftDeleteCurrent(tx *sql.Tx, table, idColumn string, id int64, currentVersion int, now time.Time) (int64, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET deleted_at = ? WHERE %s = ? AND version = ? AND deleted_at IS NULL`,
		table, idColumn,
	)
	res, err := tx.Exec(query, now.UnixMicro(), id, currentVersion)
	if err != nil {
		return 0, fmt.Errorf("soft-delete current row in %s: %w", table, err)
	}
	return res.RowsAffected()
}

// CheckVersionRace translates a zero-rows-affected optimistic update into
// a classified ConflictVersion error, otherwise returns nil.
func CheckVersionRace(rowsAffected int64, op, entity string) error {
	if rowsAffected == 0 {
		return apperr.ConflictVersion(op, entity)
	}
	return nil
}

// NextVersion is the version value a freshly-inserted successor row should
// carry. Row version 0 is reserved for "never touched"; the first insert
// of any entity starts at version 1.
func NextVersion(currentVersion int) int {
	return currentVersion + 1
}
