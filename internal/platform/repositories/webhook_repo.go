package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"pricedeck/internal/platform/models"
)

var ErrWebhookNotFound = errors.New("webhook not found")

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `id, owner_id, url, secret, events, active, headers, retry_on_failure,
	sent, succeeded, failed, last_delivery_at, last_error, last_error_at, created_at, updated_at`

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhooks (id, owner_id, url, secret, events, active, headers, retry_on_failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		webhook.ID, webhook.OwnerID, webhook.URL, webhook.Secret, string(eventsJSON),
		webhook.Active, headersJSON, webhook.RetryOnFailure,
		webhook.CreatedAt.UnixMilli(), webhook.UpdatedAt.UnixMilli())
	return err
}

// Update writes the mutable configuration. The secret and delivery
// statistics are never touched here.
func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	eventsJSON, err := json.Marshal(webhook.Events)
	if err != nil {
		return err
	}
	headersJSON, err := marshalHeaders(webhook.Headers)
	if err != nil {
		return err
	}

	query := `
		UPDATE webhooks
		SET url = ?, events = ?, active = ?, headers = ?, retry_on_failure = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		webhook.URL, string(eventsJSON), webhook.Active, headersJSON, webhook.RetryOnFailure,
		webhook.UpdatedAt.UnixMilli(), webhook.ID, webhook.OwnerID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *WebhookRepository) Delete(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *WebhookRepository) GetByID(ctx context.Context, ownerID, id string) (*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ? AND owner_id = ?`
	w, err := scanWebhook(r.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	return w, err
}

// List returns every registration across owners, oldest first. It is used to
// hydrate the in-memory registry at startup.
func (r *WebhookRepository) List(ctx context.Context) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) UpdateStats(ctx context.Context, id string, stats models.DeliveryStats) error {
	var lastDelivery, lastErrorAt sql.NullInt64
	var lastError sql.NullString
	if stats.LastDelivery != nil {
		lastDelivery = sql.NullInt64{Int64: stats.LastDelivery.UnixMilli(), Valid: true}
	}
	if stats.LastError != nil {
		lastError = sql.NullString{String: stats.LastError.Message, Valid: true}
		lastErrorAt = sql.NullInt64{Int64: stats.LastError.At.UnixMilli(), Valid: true}
	}

	query := `
		UPDATE webhooks
		SET sent = ?, succeeded = ?, failed = ?, last_delivery_at = ?, last_error = ?, last_error_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		stats.Sent, stats.Succeeded, stats.Failed, lastDelivery, lastError, lastErrorAt, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	var eventsStr, headersStr string
	var lastDelivery, lastErrorAt sql.NullInt64
	var lastError sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &w.Secret, &eventsStr, &w.Active, &headersStr,
		&w.RetryOnFailure, &w.Stats.Sent, &w.Stats.Succeeded, &w.Stats.Failed,
		&lastDelivery, &lastError, &lastErrorAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventsStr), &w.Events); err != nil {
		return nil, err
	}
	if headersStr != "" && headersStr != "{}" {
		if err := json.Unmarshal([]byte(headersStr), &w.Headers); err != nil {
			return nil, err
		}
	}

	if lastDelivery.Valid {
		t := time.UnixMilli(lastDelivery.Int64).UTC()
		w.Stats.LastDelivery = &t
	}
	if lastError.Valid {
		w.Stats.LastError = &models.DeliveryError{
			Message: lastError.String,
			At:      time.UnixMilli(lastErrorAt.Int64).UTC(),
		}
	}
	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	w.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &w, nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWebhookNotFound
	}
	return nil
}
