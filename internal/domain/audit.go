// Package domain provides the core entities of the trading backend: the
// immutable-audit business rows, their lifecycle enums, and the narrow
// interfaces (broker adapter) that connect them to the outside world.
package domain

import "time"

// AuditTrailer is embedded by every business entity to carry the
// immutable-audit contract: created_at/updated_at bookkeeping, a
// tombstone (deleted_at) for soft-delete, and a monotonic version that
// increments on every logical update.
type AuditTrailer struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Version   int        `json:"version"`
}

// IsCurrent reports whether this row is the live version (not soft-deleted).
func (a AuditTrailer) IsCurrent() bool {
	return a.DeletedAt == nil
}
