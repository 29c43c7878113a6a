// Package brokerconn implements the broker connectivity substrate:
// UserBroker link management, OAuth code exchange idempotency, and
// UserBrokerSession lifecycle, backed by config.db.
package brokerconn

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/domain"
)

const userBrokerColumns = `id, user_id, user_status, broker_id, role, connected,
	last_connected, connection_error, risk_json, status, enabled,
	created_at, updated_at, deleted_at, version`

// Repository persists UserBroker and UserBrokerSession rows in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository wires a Repository over an already-migrated config.db.
func NewRepository(configDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: configDB, log: log.With().Str("repo", "brokerconn").Logger()}
}

func scanUserBroker(scan func(dest ...any) error) (domain.UserBroker, error) {
	var ub domain.UserBroker
	var userStatus, role, status string
	var connected int
	var lastConnected sql.NullInt64
	var riskJSON string
	var deletedAt sql.NullInt64

	err := scan(&ub.ID, &ub.UserID, &userStatus, &ub.BrokerID, &role, &connected,
		&lastConnected, &ub.ConnectionError, &riskJSON, &status, &ub.Enabled,
		&ub.CreatedAt, &ub.UpdatedAt, &deletedAt, &ub.Version)
	if err != nil {
		return domain.UserBroker{}, err
	}
	ub.UserStatus = domain.UserStatus(userStatus)
	ub.Role = domain.UserBrokerRole(role)
	ub.Status = domain.UserBrokerStatus(status)
	ub.Connected = connected == 1
	if lastConnected.Valid {
		ub.LastConnected = &lastConnected.Int64
	}
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		ub.DeletedAt = &t
	}
	_ = json.Unmarshal([]byte(riskJSON), &ub.Risk)
	return ub, nil
}

// FindCurrentByID returns the live UserBroker row.
func (r *Repository) FindCurrentByID(ctx context.Context, id int64) (domain.UserBroker, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userBrokerColumns+` FROM user_brokers WHERE id = ? AND deleted_at IS NULL`, id)
	ub, err := scanUserBroker(row.Scan)
	if err == sql.ErrNoRows {
		return domain.UserBroker{}, apperr.NotFound("brokerconn.FindCurrentByID", "user_broker")
	}
	return ub, err
}

// ListEligibleForSymbol returns every live, role=EXEC, enabled, ACTIVE
// user-broker whose parent user is ACTIVE — implementing
// deliveries.UserBrokerLister. The query does not use symbol: the
// allow/block-list narrowing (EligibleForFanout) runs in the caller, in
// Go, since it depends on decoded JSON risk policy fields.
func (r *Repository) ListEligibleForSymbol(ctx context.Context, symbol string) ([]domain.UserBroker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userBrokerColumns+` FROM user_brokers
		WHERE deleted_at IS NULL AND role = 'EXEC' AND enabled = 1
		  AND status = 'ACTIVE' AND user_status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("list eligible user-brokers: %w", err)
	}
	defer rows.Close()
	var out []domain.UserBroker
	for rows.Next() {
		ub, err := scanUserBroker(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}

const brokerColumns = `id, broker_code, broker_name, adapter_class, capabilities_json, status, created_at, updated_at, deleted_at, version`

func scanBroker(scan func(dest ...any) error) (domain.Broker, error) {
	var b domain.Broker
	var capsJSON string
	var deletedAt sql.NullInt64
	err := scan(&b.ID, &b.BrokerCode, &b.BrokerName, &b.AdapterClass, &capsJSON, &b.Status,
		&b.CreatedAt, &b.UpdatedAt, &deletedAt, &b.Version)
	if err != nil {
		return domain.Broker{}, err
	}
	_ = json.Unmarshal([]byte(capsJSON), &b.Capabilities)
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		b.DeletedAt = &t
	}
	return b, nil
}

// ListBrokers returns the full connectable-venue catalog, seeded
// separately from this module's write path.
func (r *Repository) ListBrokers(ctx context.Context) ([]domain.Broker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list brokers: %w", err)
	}
	defer rows.Close()
	var out []domain.Broker
	for rows.Next() {
		b, err := scanBroker(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindDataBroker returns the single live role=DATA user-broker link, if
// any — the system-wide market-data source, backed by the
// uq_user_brokers_one_active_data invariant.
func (r *Repository) FindDataBroker(ctx context.Context) (domain.UserBroker, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userBrokerColumns+` FROM user_brokers
		WHERE role = 'DATA' AND deleted_at IS NULL ORDER BY id DESC LIMIT 1`)
	ub, err := scanUserBroker(row.Scan)
	if err == sql.ErrNoRows {
		return domain.UserBroker{}, apperr.NotFound("brokerconn.FindDataBroker", "user_broker")
	}
	return ub, err
}

// ListAllExec returns every live, role=EXEC, enabled, ACTIVE user-broker
// with an ACTIVE parent user, independent of any symbol's risk policy —
// used by the watchlist L2->L4 sync cascade, which must reach every
// execution-capable link rather than just those cleared for one symbol.
func (r *Repository) ListAllExec(ctx context.Context) ([]domain.UserBroker, error) {
	return r.ListEligibleForSymbol(ctx, "")
}

// ListAll returns every live user-broker link, used by the /user-brokers
// GET admin surface.
func (r *Repository) ListAll(ctx context.Context) ([]domain.UserBroker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userBrokerColumns+` FROM user_brokers WHERE deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list user brokers: %w", err)
	}
	defer rows.Close()
	var out []domain.UserBroker
	for rows.Next() {
		ub, err := scanUserBroker(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}

// CreateInput carries the fields needed to link a user to a broker.
type CreateInput struct {
	UserID   int64
	BrokerID int64
	Role     domain.UserBrokerRole
	Risk     domain.RiskPolicy
}

// Create inserts a new user-broker link (version 1, PENDING, enabled,
// disconnected) pending its first OAuth exchange.
func (r *Repository) Create(ctx context.Context, in CreateInput, now time.Time) (domain.UserBroker, error) {
	riskJSON, err := json.Marshal(in.Risk)
	if err != nil {
		return domain.UserBroker{}, fmt.Errorf("marshal risk policy: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_brokers (id, user_id, user_status, broker_id, role, connected,
			connection_error, risk_json, status, enabled, created_at, updated_at, version)
		VALUES (0, ?, 'ACTIVE', ?, ?, 0, '', ?, 'PENDING', 1, ?, ?, 1)`,
		in.UserID, in.BrokerID, string(in.Role), string(riskJSON), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.UserBroker{}, fmt.Errorf("insert user broker: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.UserBroker{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE user_brokers SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.UserBroker{}, fmt.Errorf("fix up assigned id: %w", err)
	}
	return r.FindCurrentByID(ctx, rowID)
}

// ToggleEnabled flips the enabled flag on a live user-broker link.
func (r *Repository) ToggleEnabled(ctx context.Context, id int64, enabled bool, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_brokers SET enabled = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		boolToInt(enabled), now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("toggle user broker enabled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Delete soft-deletes a user-broker link.
func (r *Repository) Delete(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_brokers SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now.UnixMicro(), now.UnixMicro(), id)
	if err != nil {
		return false, fmt.Errorf("delete user broker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateConnectionState flips the Connected/LastConnected/ConnectionError
// fields on a live row, in place (not an audited field — live connection
// state, not business history).
func (r *Repository) UpdateConnectionState(ctx context.Context, id int64, connected bool, connErr string) error {
	now := time.Now()
	var lastConnected *int64
	if connected {
		t := now.UnixMicro()
		lastConnected = &t
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_brokers SET connected = ?, last_connected = COALESCE(?, last_connected), connection_error = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		boolToInt(connected), lastConnected, connErr, now.UnixMicro(), id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- sessions ---

const sessionColumns = `id, user_broker_id, access_token, token_valid_till, session_status,
	started_at, ended_at, created_at, updated_at, deleted_at, version`

func scanSession(scan func(dest ...any) error) (domain.UserBrokerSession, error) {
	var s domain.UserBrokerSession
	var status string
	var endedAt sql.NullInt64
	var deletedAt sql.NullInt64

	err := scan(&s.ID, &s.UserBrokerID, &s.AccessToken, &s.TokenValidTill, &status,
		&s.StartedAt, &endedAt, &s.CreatedAt, &s.UpdatedAt, &deletedAt, &s.Version)
	if err != nil {
		return domain.UserBrokerSession{}, err
	}
	s.Status = domain.SessionStatus(status)
	if endedAt.Valid {
		s.EndedAt = &endedAt.Int64
	}
	if deletedAt.Valid {
		t := time.UnixMicro(deletedAt.Int64)
		s.DeletedAt = &t
	}
	return s, nil
}

// FindActiveSession returns the single live ACTIVE session for a
// user-broker, or NotFound.
func (r *Repository) FindActiveSession(ctx context.Context, userBrokerID int64) (domain.UserBrokerSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_broker_sessions
		WHERE user_broker_id = ? AND session_status = 'ACTIVE' AND deleted_at IS NULL`, userBrokerID)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return domain.UserBrokerSession{}, apperr.NotFound("brokerconn.FindActiveSession", "user_broker_session")
	}
	return s, err
}

// RevokeActiveSession soft-revokes userBrokerID's live ACTIVE session, if
// any, with no replacement inserted.
func (r *Repository) RevokeActiveSession(ctx context.Context, userBrokerID int64) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_broker_sessions SET session_status = 'REVOKED', ended_at = ?, updated_at = ?, version = version + 1
		WHERE user_broker_id = ? AND session_status = 'ACTIVE' AND deleted_at IS NULL`,
		now.UnixMicro(), now.UnixMicro(), userBrokerID)
	return err
}

// CreateSession ends any existing ACTIVE session for userBrokerID and
// inserts a new one, inside one transaction — the schema's partial unique
// index on (user_broker_id) WHERE session_status='ACTIVE' is the backstop
// that turns a race here into a constraint violation instead of two live
// sessions.
func (r *Repository) CreateSession(ctx context.Context, userBrokerID int64, accessToken string, validForSeconds int64) (domain.UserBrokerSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE user_broker_sessions SET session_status = 'REVOKED', ended_at = ?, updated_at = ?, version = version + 1
		WHERE user_broker_id = ? AND session_status = 'ACTIVE' AND deleted_at IS NULL`,
		now.UnixMicro(), now.UnixMicro(), userBrokerID)
	if err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("revoke prior session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_broker_sessions (id, user_broker_id, access_token, token_valid_till, session_status, started_at, created_at, updated_at, version)
		VALUES (0, ?, ?, ?, 'ACTIVE', ?, ?, ?, 1)`,
		userBrokerID, accessToken, now.Add(time.Duration(validForSeconds)*time.Second).UnixMicro(),
		now.UnixMicro(), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("insert session: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("read assigned rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_broker_sessions SET id = ? WHERE row_id = ?`, rowID, rowID); err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("fix up assigned id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.UserBrokerSession{}, fmt.Errorf("commit session tx: %w", err)
	}

	return domain.UserBrokerSession{
		AuditTrailer:   domain.AuditTrailer{CreatedAt: now, UpdatedAt: now, Version: 1},
		ID:             rowID,
		UserBrokerID:   userBrokerID,
		AccessToken:    accessToken,
		TokenValidTill: now.Add(time.Duration(validForSeconds) * time.Second).UnixMicro(),
		Status:         domain.SessionActive,
		StartedAt:      now.UnixMicro(),
	}, nil
}
