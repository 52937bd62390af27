package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
)

// BroadcastRepository is the record store for scheduled broadcasts and
// their message logs.
type BroadcastRepository struct {
	db *sqlx.DB
}

func NewBroadcastRepository(db *sqlx.DB) *BroadcastRepository {
	return &BroadcastRepository{db: db}
}

const broadcastColumns = `id, title, body, channel, audience, scheduled_at, status,
	send_attempts, last_attempt, message_log_id, created_at, updated_at`

// FindDue returns every pending broadcast whose scheduled time has passed.
func (r *BroadcastRepository) FindDue(ctx context.Context, now time.Time) ([]domain.ScheduledBroadcast, error) {
	query := `
		SELECT ` + broadcastColumns + `
		FROM scheduled_broadcasts
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
	`

	var broadcasts []domain.ScheduledBroadcast
	if err := r.db.SelectContext(ctx, &broadcasts, query, now); err != nil {
		return nil, fmt.Errorf("failed to find due broadcasts: %w", err)
	}

	return broadcasts, nil
}

// Claim moves one pending, due broadcast into processing. The conditional
// update is the claim itself: if another tick or a cancellation got there
// first, zero rows match and the claim reports false.
func (r *BroadcastRepository) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE scheduled_broadcasts
		SET status = 'processing', last_attempt = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending' AND scheduled_at <= ?
	`

	result, err := r.db.ExecContext(ctx, query, now, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim broadcast %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// InsertMessageLog persists the audit record and its recipient outcomes in
// one transaction, so a partially written log can never be observed.
func (r *BroadcastRepository) InsertMessageLog(ctx context.Context, log *domain.MessageLog) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO message_logs (broadcast_id, title, content, channel, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.BroadcastID, log.Title, log.Content, log.Channel, log.Status, log.SentAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message log: %w", err)
	}

	logID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message log id: %w", err)
	}

	for _, rec := range log.Recipients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_log_recipients
				(message_log_id, recipient_id, address, display_name, status, error, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, logID, rec.RecipientID, rec.Address, rec.DisplayName, rec.Status, rec.Error, rec.DeliveredAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert recipient outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message log: %w", err)
	}

	log.ID = logID
	return logID, nil
}

// FinishDispatch commits the terminal state of a completed dispatch and
// points the schedule at the audit record that justifies it. Send attempts
// are untouched: a dispatch that reached aggregation is never retried.
func (r *BroadcastRepository) FinishDispatch(
	ctx context.Context,
	id int64,
	status domain.BroadcastStatus,
	logID int64,
	at time.Time,
) error {
	query := `
		UPDATE scheduled_broadcasts
		SET status = ?, message_log_id = ?, last_attempt = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'processing'
	`

	result, err := r.db.ExecContext(ctx, query, status, logID, at, id)
	if err != nil {
		return fmt.Errorf("failed to finish dispatch for broadcast %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("broadcast %d: %w", id, domain.ErrNotFound)
	}

	return nil
}

// Requeue returns a broadcast from processing to pending after a
// dispatch-level failure, recording the attempt.
func (r *BroadcastRepository) Requeue(ctx context.Context, id int64, attempts int, at time.Time) error {
	return r.leaveProcessing(ctx, id, domain.BroadcastPending, attempts, at)
}

// FailPermanently moves a broadcast from processing to failed once its
// retry budget is exhausted.
func (r *BroadcastRepository) FailPermanently(ctx context.Context, id int64, attempts int, at time.Time) error {
	return r.leaveProcessing(ctx, id, domain.BroadcastFailed, attempts, at)
}

func (r *BroadcastRepository) leaveProcessing(
	ctx context.Context,
	id int64,
	status domain.BroadcastStatus,
	attempts int,
	at time.Time,
) error {
	query := `
		UPDATE scheduled_broadcasts
		SET status = ?, send_attempts = ?, last_attempt = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'processing'
	`

	result, err := r.db.ExecContext(ctx, query, status, attempts, at, id)
	if err != nil {
		return fmt.Errorf("failed to update broadcast %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("broadcast %d: %w", id, domain.ErrNotFound)
	}

	return nil
}

// Cancel cancels a pending broadcast. A broadcast that is processing or
// already terminal reports ErrNotPending.
func (r *BroadcastRepository) Cancel(ctx context.Context, id int64) error {
	query := `
		UPDATE scheduled_broadcasts
		SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel broadcast %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing broadcast from a non-pending one.
		var exists int
		checkErr := r.db.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM scheduled_broadcasts WHERE id = ?", id)
		if checkErr != nil {
			return fmt.Errorf("failed to check broadcast %d: %w", id, checkErr)
		}
		if exists == 0 {
			return fmt.Errorf("broadcast %d: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("broadcast %d: %w", id, domain.ErrNotPending)
	}

	return nil
}

// FindStuckProcessing returns broadcasts that entered processing before
// the cutoff and never reached a terminal state, typically because the
// process crashed mid-dispatch.
func (r *BroadcastRepository) FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]domain.ScheduledBroadcast, error) {
	query := `
		SELECT ` + broadcastColumns + `
		FROM scheduled_broadcasts
		WHERE status = 'processing' AND last_attempt IS NOT NULL AND last_attempt <= ?
		ORDER BY last_attempt ASC
	`

	var broadcasts []domain.ScheduledBroadcast
	if err := r.db.SelectContext(ctx, &broadcasts, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to find stuck broadcasts: %w", err)
	}

	return broadcasts, nil
}

func (r *BroadcastRepository) Create(ctx context.Context, b *domain.ScheduledBroadcast) (*domain.ScheduledBroadcast, error) {
	query := `
		INSERT INTO scheduled_broadcasts (title, body, channel, audience, scheduled_at, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
	`

	result, err := r.db.ExecContext(ctx, query, b.Title, b.Body, b.Channel, b.Audience, b.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *BroadcastRepository) GetByID(ctx context.Context, id int64) (*domain.ScheduledBroadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM scheduled_broadcasts WHERE id = ?`

	var b domain.ScheduledBroadcast
	if err := r.db.GetContext(ctx, &b, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("broadcast %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get broadcast: %w", err)
	}

	return &b, nil
}

func (r *BroadcastRepository) GetAll(
	ctx context.Context,
	status *domain.BroadcastStatus,
	page, pageSize int,
) ([]domain.ScheduledBroadcast, int64, error) {
	offset := (page - 1) * pageSize
	var totalCount int64
	var broadcasts []domain.ScheduledBroadcast

	if status != nil {
		countQuery := "SELECT COUNT(*) FROM scheduled_broadcasts WHERE status = ?"
		if err := r.db.GetContext(ctx, &totalCount, countQuery, *status); err != nil {
			return nil, 0, fmt.Errorf("failed to count broadcasts: %w", err)
		}

		query := `
			SELECT ` + broadcastColumns + `
			FROM scheduled_broadcasts
			WHERE status = ?
			ORDER BY scheduled_at DESC
			LIMIT ? OFFSET ?
		`
		if err := r.db.SelectContext(ctx, &broadcasts, query, *status, pageSize, offset); err != nil {
			return nil, 0, fmt.Errorf("failed to get broadcasts: %w", err)
		}
	} else {
		countQuery := "SELECT COUNT(*) FROM scheduled_broadcasts"
		if err := r.db.GetContext(ctx, &totalCount, countQuery); err != nil {
			return nil, 0, fmt.Errorf("failed to count broadcasts: %w", err)
		}

		query := `
			SELECT ` + broadcastColumns + `
			FROM scheduled_broadcasts
			ORDER BY scheduled_at DESC
			LIMIT ? OFFSET ?
		`
		if err := r.db.SelectContext(ctx, &broadcasts, query, pageSize, offset); err != nil {
			return nil, 0, fmt.Errorf("failed to get broadcasts: %w", err)
		}
	}

	return broadcasts, totalCount, nil
}

// GetMessageLog returns one audit record with its recipient outcomes.
func (r *BroadcastRepository) GetMessageLog(ctx context.Context, id int64) (*domain.MessageLog, error) {
	query := `
		SELECT id, broadcast_id, title, content, channel, status, sent_at
		FROM message_logs
		WHERE id = ?
	`

	var log domain.MessageLog
	if err := r.db.GetContext(ctx, &log, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message log %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message log: %w", err)
	}

	recipientsQuery := `
		SELECT recipient_id, address, display_name, status, COALESCE(error, '') AS error, delivered_at
		FROM message_log_recipients
		WHERE message_log_id = ?
		ORDER BY id ASC
	`

	if err := r.db.SelectContext(ctx, &log.Recipients, recipientsQuery, id); err != nil {
		return nil, fmt.Errorf("failed to get recipient outcomes: %w", err)
	}

	return &log, nil
}

// GetMessageLogs returns the audit records for one broadcast, newest first,
// without per-recipient detail.
func (r *BroadcastRepository) GetMessageLogs(ctx context.Context, broadcastID int64) ([]domain.MessageLog, error) {
	query := `
		SELECT id, broadcast_id, title, content, channel, status, sent_at
		FROM message_logs
		WHERE broadcast_id = ?
		ORDER BY sent_at DESC
	`

	var logs []domain.MessageLog
	if err := r.db.SelectContext(ctx, &logs, query, broadcastID); err != nil {
		return nil, fmt.Errorf("failed to get message logs: %w", err)
	}

	return logs, nil
}

// GetStats returns broadcast counts grouped by status.
func (r *BroadcastRepository) GetStats(ctx context.Context) (map[domain.BroadcastStatus]int64, error) {
	query := `
		SELECT status, COUNT(*) AS count
		FROM scheduled_broadcasts
		GROUP BY status
	`

	var rows []struct {
		Status domain.BroadcastStatus `db:"status"`
		Count  int64                  `db:"count"`
	}

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := make(map[domain.BroadcastStatus]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Count
	}

	return stats, nil
}
