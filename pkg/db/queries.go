// Query methods are grouped per aggregate below. All writes that mutate an
// Open Position go through compare-and-swap style statements gated on the
// current status, never read-modify-write.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
)

// ----------------------------------------
// User queries
// ----------------------------------------

// CreateUser inserts a new owner/operator account.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	role := u.Role
	if role == "" {
		role = "owner"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, role, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// ListUserIDs returns all user ids; background cycles iterate these.
func (d *Database) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Device queries
// ----------------------------------------

// CreateDevice registers a new execution client credential.
func (d *Database) CreateDevice(ctx context.Context, dev Device) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, secret_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, dev.ID, dev.UserID, dev.Name, dev.SecretHash, dev.IsActive, dev.CreatedAt, dev.UpdatedAt)
	return err
}

// GetDevice returns a device by id.
func (d *Database) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, secret_hash, is_active, last_seen, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)

	var (
		dev      Device
		lastSeen sql.NullTime
	)
	if err := row.Scan(&dev.ID, &dev.UserID, &dev.Name, &dev.SecretHash, &dev.IsActive, &lastSeen, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		dev.LastSeen = &lastSeen.Time
	}
	return &dev, nil
}

// ListDevicesByUser returns all devices (active and revoked) for a user.
func (d *Database) ListDevicesByUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, name, secret_hash, is_active, last_seen, created_at, updated_at
		FROM devices WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			dev      Device
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&dev.ID, &dev.UserID, &dev.Name, &dev.SecretHash, &dev.IsActive, &lastSeen, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			dev.LastSeen = &lastSeen.Time
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// RevokeDevice soft-deletes a device. Rows are never hard-deleted.
func (d *Database) RevokeDevice(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE devices SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	return err
}

// RenameDevice updates the display name of a device.
func (d *Database) RenameDevice(ctx context.Context, id, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE devices SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, name, id)
	return err
}

// TouchDeviceLastSeen records the last successful authentication time.
func (d *Database) TouchDeviceLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE devices SET last_seen = ? WHERE id = ?
	`, at, id)
	return err
}

// ----------------------------------------
// Replay record queries
// ----------------------------------------

// InsertReplayRecord atomically records (device_id, nonce) if absent.
// Returns false when the pair already exists, which the caller must treat as
// a replay. INSERT OR IGNORE keeps the check-and-insert race-free inside
// SQLite's single-writer lock.
func (d *Database) InsertReplayRecord(ctx context.Context, deviceID, nonce string, expiresAt time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_records (device_id, nonce, expires_at)
		VALUES (?, ?, ?)
	`, deviceID, nonce, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert replay record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpiredReplays removes replay records past their TTL.
func (d *Database) PurgeExpiredReplays(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		DELETE FROM replay_records WHERE expires_at <= ?
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Signal queries
// ----------------------------------------

// CreateSignal stores an approved trade instruction from the approval source.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	status := s.Status
	if status == "" {
		status = SignalPending
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (
			approval_id, user_id, instrument, direction, entry_price, volume,
			ttl_minutes, owner_only, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.ApprovalID, s.UserID, s.Instrument, s.Direction, s.EntryPrice, s.Volume,
		s.TTLMinutes, s.OwnerOnly, status, s.CreatedAt)
	return err
}

// GetSignal returns a signal by approval id.
func (d *Database) GetSignal(ctx context.Context, approvalID string) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT approval_id, user_id, instrument, direction, entry_price, volume,
		       ttl_minutes, COALESCE(owner_only, ''), status, COALESCE(fail_count, 0),
		       COALESCE(error_message, ''), first_polled_at, acked_at, created_at
		FROM signals WHERE approval_id = ?
	`, approvalID)
	return scanSignal(row)
}

// ListPendingSignals returns pending, unexpired signals for a user.
// Expiry is anchored at the first poll: a signal that has never been served
// cannot have timed out yet.
func (d *Database) ListPendingSignals(ctx context.Context, userID string, now time.Time) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT approval_id, user_id, instrument, direction, entry_price, volume,
		       ttl_minutes, COALESCE(owner_only, ''), status, COALESCE(fail_count, 0),
		       COALESCE(error_message, ''), first_polled_at, acked_at, created_at
		FROM signals
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC
	`, userID, SignalPending)
	if err != nil {
		return nil, fmt.Errorf("query pending signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		s, err := scanSignalRows(rows)
		if err != nil {
			return nil, err
		}
		if s.FirstPolledAt != nil && now.After(s.FirstPolledAt.Add(time.Duration(s.TTLMinutes)*time.Minute)) {
			continue // TTL elapsed; MarkSignalExpired handles persistence
		}
		signals = append(signals, *s)
	}
	return signals, rows.Err()
}

// MarkSignalPolled stamps first_polled_at once; later polls keep the original
// anchor so the TTL cannot be extended by re-polling.
func (d *Database) MarkSignalPolled(ctx context.Context, approvalID string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET first_polled_at = ?
		WHERE approval_id = ? AND first_polled_at IS NULL
	`, at, approvalID)
	return err
}

// MarkSignalExecuted transitions a signal to EXECUTED.
func (d *Database) MarkSignalExecuted(ctx context.Context, approvalID string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, acked_at = ? WHERE approval_id = ?
	`, SignalExecuted, at, approvalID)
	return err
}

// MarkSignalExpired transitions a signal to EXPIRED.
func (d *Database) MarkSignalExpired(ctx context.Context, approvalID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET status = ? WHERE approval_id = ? AND status = ?
	`, SignalExpired, approvalID, SignalPending)
	return err
}

// RecordSignalFailure increments the failure counter and stores the device's
// error message. Once maxFails is reached the signal is terminally FAILED.
func (d *Database) RecordSignalFailure(ctx context.Context, approvalID, message string, maxFails int) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals
		SET fail_count = COALESCE(fail_count, 0) + 1,
		    error_message = ?,
		    status = CASE WHEN COALESCE(fail_count, 0) + 1 >= ? THEN ? ELSE status END
		WHERE approval_id = ?
	`, message, maxFails, SignalFailed, approvalID)
	return err
}

func scanSignal(row *sql.Row) (*Signal, error) {
	var (
		s           Signal
		firstPolled sql.NullTime
		acked       sql.NullTime
	)
	err := row.Scan(&s.ApprovalID, &s.UserID, &s.Instrument, &s.Direction, &s.EntryPrice,
		&s.Volume, &s.TTLMinutes, &s.OwnerOnly, &s.Status, &s.FailCount,
		&s.ErrorMessage, &firstPolled, &acked, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if firstPolled.Valid {
		s.FirstPolledAt = &firstPolled.Time
	}
	if acked.Valid {
		s.AckedAt = &acked.Time
	}
	return &s, nil
}

func scanSignalRows(rows *sql.Rows) (*Signal, error) {
	var (
		s           Signal
		firstPolled sql.NullTime
		acked       sql.NullTime
	)
	err := rows.Scan(&s.ApprovalID, &s.UserID, &s.Instrument, &s.Direction, &s.EntryPrice,
		&s.Volume, &s.TTLMinutes, &s.OwnerOnly, &s.Status, &s.FailCount,
		&s.ErrorMessage, &firstPolled, &acked, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	if firstPolled.Valid {
		s.FirstPolledAt = &firstPolled.Time
	}
	if acked.Valid {
		s.AckedAt = &acked.Time
	}
	return &s, nil
}

// ----------------------------------------
// Position queries
// ----------------------------------------

const positionColumns = `
	id, approval_id, user_id, device_id, instrument, direction, entry_price,
	volume, broker_ticket, owner_stop_loss, owner_take_profit,
	COALESCE(strategy_tag, ''), status, opened_at, closed_at, close_price, close_reason`

// CreatePosition inserts a new open position. The UNIQUE constraint on
// approval_id makes acknowledgement idempotent at the storage layer.
func (d *Database) CreatePosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, approval_id, user_id, device_id, instrument, direction,
			entry_price, volume, broker_ticket, owner_stop_loss,
			owner_take_profit, strategy_tag, status, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, p.ID, p.ApprovalID, p.UserID, p.DeviceID, p.Instrument, p.Direction,
		p.EntryPrice, p.Volume, p.BrokerTicket, p.OwnerStopLoss,
		p.OwnerTakeProfit, p.StrategyTag, StatusOpen, p.OpenedAt)
	return err
}

// GetPosition returns a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPositionRow(row)
}

// GetPositionByApproval returns the position created for an approval id, or
// ErrNotFound when no acknowledgement has materialized one yet.
func (d *Database) GetPositionByApproval(ctx context.Context, approvalID string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE approval_id = ?`, approvalID)
	return scanPositionRow(row)
}

// ListOpenPositions returns all open positions for a user.
func (d *Database) ListOpenPositions(ctx context.Context, userID string) ([]Position, error) {
	return d.listPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status = ?
		ORDER BY opened_at ASC
	`, userID, StatusOpen)
}

// ListPositionsByUser returns recent positions for a user, any status.
func (d *Database) ListPositionsByUser(ctx context.Context, userID string, limit int) ([]Position, error) {
	return d.listPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ?
		ORDER BY opened_at DESC
		LIMIT ?
	`, userID, limit)
}

func (d *Database) listPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// SetBrokerTicket stores broker confirmation on an open position.
func (d *Database) SetBrokerTicket(ctx context.Context, id, ticket string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET broker_ticket = ? WHERE id = ? AND status = ?
	`, ticket, id, StatusOpen)
	return err
}

// ClosePositionCAS transitions a position to a terminal status iff it is
// still open. Returns false when the row was already closed; two concurrent
// triggers therefore produce exactly one winner.
func (d *Database) ClosePositionCAS(ctx context.Context, id, status string, closePrice float64, reason string, closedAt time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, close_price = ?, close_reason = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, status, closePrice, reason, closedAt, id, StatusOpen)
	if err != nil {
		return false, fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanPositionRow(row *sql.Row) (*Position, error) {
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPositionRows(rows *sql.Rows) (*Position, error) {
	return scanPosition(rows.Scan)
}

func scanPosition(scan func(...any) error) (*Position, error) {
	var (
		p           Position
		ticket      sql.NullString
		ownerSL     sql.NullFloat64
		ownerTP     sql.NullFloat64
		closedAt    sql.NullTime
		closePrice  sql.NullFloat64
		closeReason sql.NullString
	)
	err := scan(&p.ID, &p.ApprovalID, &p.UserID, &p.DeviceID, &p.Instrument,
		&p.Direction, &p.EntryPrice, &p.Volume, &ticket, &ownerSL, &ownerTP,
		&p.StrategyTag, &p.Status, &p.OpenedAt, &closedAt, &closePrice, &closeReason)
	if err != nil {
		return nil, err
	}
	if ticket.Valid {
		p.BrokerTicket = &ticket.String
	}
	if ownerSL.Valid {
		p.OwnerStopLoss = &ownerSL.Float64
	}
	if ownerTP.Valid {
		p.OwnerTakeProfit = &ownerTP.Float64
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	if closePrice.Valid {
		p.ClosePrice = &closePrice.Float64
	}
	if closeReason.Valid {
		p.CloseReason = &closeReason.String
	}
	return &p, nil
}

// ----------------------------------------
// Risk state queries
// ----------------------------------------

// GetRiskState returns the persisted risk state for a user, zero-valued if
// none has been written yet.
func (d *Database) GetRiskState(ctx context.Context, userID string) (RiskState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, peak_equity, updated_at FROM risk_states WHERE user_id = ?
	`, userID)
	var rs RiskState
	if err := row.Scan(&rs.UserID, &rs.PeakEquity, &rs.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return RiskState{UserID: userID}, nil
		}
		return RiskState{}, err
	}
	return rs, nil
}

// RaisePeakEquity upserts the peak equity monotonically: the stored value
// only ever increases. MAX() inside the upsert keeps concurrent evaluators
// from regressing the peak.
func (d *Database) RaisePeakEquity(ctx context.Context, userID string, equity float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_states (user_id, peak_equity, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			peak_equity = MAX(peak_equity, excluded.peak_equity),
			updated_at = CURRENT_TIMESTAMP
	`, userID, equity)
	return err
}

// ResetPeakEquity sets the peak to the given value unconditionally.
// Operator action only.
func (d *Database) ResetPeakEquity(ctx context.Context, userID string, equity float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_states (user_id, peak_equity, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			peak_equity = excluded.peak_equity,
			updated_at = CURRENT_TIMESTAMP
	`, userID, equity)
	return err
}

// ----------------------------------------
// Guard config queries
// ----------------------------------------

// GetGuardConfig returns the stored guard thresholds for a user, or nil when
// the user has no row (callers fall back to defaults).
func (d *Database) GetGuardConfig(ctx context.Context, userID string) (*GuardConfig, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, warning_percent, critical_percent, min_equity,
		       max_gap_percent, max_spread_percent, updated_at
		FROM guard_configs WHERE user_id = ?
	`, userID)
	var gc GuardConfig
	err := row.Scan(&gc.UserID, &gc.WarningPercent, &gc.CriticalPercent,
		&gc.MinEquity, &gc.MaxGapPercent, &gc.MaxSpreadPercent, &gc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// UpsertGuardConfig stores per-user guard thresholds.
func (d *Database) UpsertGuardConfig(ctx context.Context, gc GuardConfig) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO guard_configs (
			user_id, warning_percent, critical_percent, min_equity,
			max_gap_percent, max_spread_percent, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			warning_percent = excluded.warning_percent,
			critical_percent = excluded.critical_percent,
			min_equity = excluded.min_equity,
			max_gap_percent = excluded.max_gap_percent,
			max_spread_percent = excluded.max_spread_percent,
			updated_at = CURRENT_TIMESTAMP
	`, gc.UserID, gc.WarningPercent, gc.CriticalPercent, gc.MinEquity,
		gc.MaxGapPercent, gc.MaxSpreadPercent)
	return err
}

// ----------------------------------------
// Reconciliation snapshot queries
// ----------------------------------------

// CreateReconSnapshot writes a snapshot and its divergences in one
// transaction. Snapshots are immutable once written.
func (d *Database) CreateReconSnapshot(ctx context.Context, snap ReconSnapshot, divs []ReconDivergence) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recon_snapshots (id, user_id, matched_count, divergence_count, taken_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, snap.ID, snap.UserID, snap.MatchedCount, snap.DivergenceCount, snap.TakenAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, div := range divs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recon_divergences (
				snapshot_id, type, instrument, position_id, broker_ticket, magnitude, detail
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, div.Type, div.Instrument, div.PositionID, div.BrokerTicket, div.Magnitude, div.Detail); err != nil {
			return fmt.Errorf("insert divergence: %w", err)
		}
	}

	return tx.Commit()
}

// ListReconSnapshots returns recent snapshots for a user.
func (d *Database) ListReconSnapshots(ctx context.Context, userID string, limit int) ([]ReconSnapshot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, matched_count, divergence_count, taken_at
		FROM recon_snapshots
		WHERE user_id = ?
		ORDER BY taken_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []ReconSnapshot
	for rows.Next() {
		var s ReconSnapshot
		if err := rows.Scan(&s.ID, &s.UserID, &s.MatchedCount, &s.DivergenceCount, &s.TakenAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// ListReconDivergences returns the divergences recorded under a snapshot.
func (d *Database) ListReconDivergences(ctx context.Context, snapshotID string) ([]ReconDivergence, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, snapshot_id, type, instrument, COALESCE(position_id, ''),
		       COALESCE(broker_ticket, ''), magnitude, COALESCE(detail, '')
		FROM recon_divergences
		WHERE snapshot_id = ?
		ORDER BY id ASC
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var divs []ReconDivergence
	for rows.Next() {
		var dv ReconDivergence
		if err := rows.Scan(&dv.ID, &dv.SnapshotID, &dv.Type, &dv.Instrument,
			&dv.PositionID, &dv.BrokerTicket, &dv.Magnitude, &dv.Detail); err != nil {
			return nil, err
		}
		divs = append(divs, dv)
	}
	return divs, rows.Err()
}

// ----------------------------------------
// Close audit queries
// ----------------------------------------

// CreateCloseAudit appends an immutable closure record.
func (d *Database) CreateCloseAudit(ctx context.Context, a CloseAudit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO close_audit (close_id, position_id, reason, close_price, pnl, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, a.CloseID, a.PositionID, a.Reason, a.ClosePrice, a.PnL, a.CreatedAt)
	return err
}

// ListCloseAudits returns the audit trail for a position.
func (d *Database) ListCloseAudits(ctx context.Context, positionID string) ([]CloseAudit, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT close_id, position_id, reason, close_price, pnl, created_at
		FROM close_audit
		WHERE position_id = ?
		ORDER BY close_id ASC
	`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []CloseAudit
	for rows.Next() {
		var a CloseAudit
		if err := rows.Scan(&a.CloseID, &a.PositionID, &a.Reason, &a.ClosePrice, &a.PnL, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
