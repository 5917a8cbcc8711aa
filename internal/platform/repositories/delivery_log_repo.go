package repositories

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pricedeck/internal/platform/models"
)

type DeliveryLogRepository struct {
	db *sql.DB
}

func NewDeliveryLogRepository(db *sql.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

func (r *DeliveryLogRepository) Record(ctx context.Context, entry models.DeliveryLog) error {
	query := `
		INSERT INTO webhook_logs (id, webhook_id, owner_id, event_id, event_type, attempt, success, status_code, error, duration_ms, test, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.WebhookID, entry.OwnerID, entry.EventID, entry.EventType, entry.Attempt,
		entry.Success, entry.StatusCode, entry.Error, entry.DurationMS, entry.Test,
		entry.CreatedAt.UnixMilli())
	return err
}

// Query returns one page of logs for a webhook, newest first, and the total
// number of rows matching the filters.
func (r *DeliveryLogRepository) Query(ctx context.Context, ownerID, webhookID string, q models.LogQuery) (*models.LogPage, error) {
	q = q.Normalize()

	where := []string{"owner_id = ?", "webhook_id = ?"}
	args := []any{ownerID, webhookID}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	switch q.Status {
	case models.LogStatusSuccess:
		where = append(where, "success = 1")
	case models.LogStatusFailed:
		where = append(where, "success = 0")
	}
	clause := strings.Join(where, " AND ")

	page := &models.LogPage{Logs: []models.DeliveryLog{}, Limit: q.Limit, Offset: q.Offset}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_logs WHERE `+clause, args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	query := `
		SELECT id, webhook_id, owner_id, event_id, event_type, attempt, success, status_code, error, duration_ms, test, created_at
		FROM webhook_logs WHERE ` + clause + `
		ORDER BY created_at DESC, attempt DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l models.DeliveryLog
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.OwnerID, &l.EventID, &l.EventType, &l.Attempt,
			&l.Success, &l.StatusCode, &l.Error, &l.DurationMS, &l.Test, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(createdAt).UTC()
		page.Logs = append(page.Logs, l)
	}
	return page, rows.Err()
}

// PruneBefore deletes logs created before cutoff and reports how many went.
func (r *DeliveryLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteForWebhook removes the log history of a deleted webhook.
func (r *DeliveryLogRepository) DeleteForWebhook(ctx context.Context, ownerID, webhookID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE owner_id = ? AND webhook_id = ?`, ownerID, webhookID)
	return err
}
