package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricedeck/internal/pkg/logger"
)

const (
	ActionWebhookCreated = "webhook.created"
	ActionWebhookUpdated = "webhook.updated"
	ActionWebhookDeleted = "webhook.deleted"
	ActionWebhookTested  = "webhook.tested"
	ActionEventTriggered = "event.triggered"

	ResourceWebhook = "webhook"
	ResourceEvent   = "event"
)

type Entry struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Logger writes the audit trail of API mutations. Writes happen in the
// background; Wait blocks until they have landed.
type Logger struct {
	db  *sql.DB
	wg  sync.WaitGroup
	log zerolog.Logger
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db, log: logger.Component("audit")}
}

func (l *Logger) Log(r *http.Request, ownerID, action, resourceType, resourceID string, metadata map[string]any) {
	ip, ua := "unknown", "unknown"
	if r != nil {
		ip = r.RemoteAddr
		ua = r.UserAgent()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	entry := Entry{
		ID:           "audit_" + uuid.New().String(),
		OwnerID:      ownerID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ip,
		UserAgent:    ua,
		CreatedAt:    time.Now().UTC(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		query := `
			INSERT INTO audit_logs (id, owner_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := l.db.ExecContext(ctx, query, entry.ID, entry.OwnerID, entry.Action, entry.ResourceType,
			entry.ResourceID, string(metaJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt.UnixMilli())
		if err != nil {
			l.log.Error().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("Failed to write audit log")
		}
	}()
}

// List returns the owner's most recent entries, newest first.
func (l *Logger) List(ctx context.Context, ownerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, owner_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?
	`
	rows, err := l.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var metaStr string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Action, &e.ResourceType, &e.ResourceID,
			&metaStr, &e.IPAddress, &e.UserAgent, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaStr), &e.Metadata); err != nil {
			e.Metadata = map[string]any{}
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Logger) Wait() {
	l.wg.Wait()
}
