package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Webhooks ---

const webhookColumns = `id, url, events, secret, is_active, failure_count, last_triggered_at, created_at, updated_at`

func scanWebhook(row interface{ Scan(...interface{}) error }) (*Webhook, error) {
	var w Webhook
	var events string
	var lastTriggered sql.NullTime
	err := row.Scan(&w.ID, &w.URL, &events, &w.Secret, &w.IsActive,
		&w.FailureCount, &lastTriggered, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if events != "" {
		w.Events = strings.Split(events, ",")
	}
	w.LastTriggeredAt = timePtr(lastTriggered)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func (s *sqlStore) CreateWebhook(ctx context.Context, hook *Webhook) error {
	_, err := s.exec(ctx,
		`INSERT INTO webhooks (id, url, events, secret, is_active, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		hook.ID, hook.URL, strings.Join(hook.Events, ","), hook.Secret, hook.IsActive,
		hook.CreatedAt.UTC(), hook.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *sqlStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	w, err := scanWebhook(s.queryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *sqlStore) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.query(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *sqlStore) UpdateWebhook(ctx context.Context, hook *Webhook) error {
	res, err := s.exec(ctx,
		`UPDATE webhooks SET url = ?, events = ?, secret = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		hook.URL, strings.Join(hook.Events, ","), hook.Secret, hook.IsActive,
		time.Now().UTC(), hook.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteWebhook(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.d.rebind(`DELETE FROM webhook_deliveries WHERE webhook_id = ?`), id); err != nil {
			return fmt.Errorf("delete webhook deliveries: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM webhooks WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqlStore) RecordWebhookDelivery(ctx context.Context, delivery *WebhookDelivery) error {
	_, err := s.exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event_type, delivered_at, status_code, duration_ms, error, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID, delivery.WebhookID, delivery.EventType, delivery.DeliveredAt.UTC(),
		delivery.StatusCode, delivery.DurationMS, delivery.Error, delivery.Success)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

func (s *sqlStore) ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT id, webhook_id, event_type, delivered_at, status_code, duration_ms, error, success
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY delivered_at DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.DeliveredAt,
			&d.StatusCode, &d.DurationMS, &d.Error, &d.Success); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		d.DeliveredAt = d.DeliveredAt.UTC()
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// RecordWebhookResult updates the failure counter after a delivery cycle
// completes. A success resets the counter; a failure increments it. The
// post-update counter value is returned so the dispatcher can apply its
// auto-disable threshold.
func (s *sqlStore) RecordWebhookResult(ctx context.Context, webhookID string, success bool, when time.Time) (int, error) {
	var failureCount int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var q string
		if success {
			q = `UPDATE webhooks SET failure_count = 0, last_triggered_at = ?, updated_at = ? WHERE id = ?`
		} else {
			q = `UPDATE webhooks SET failure_count = failure_count + 1, last_triggered_at = ?, updated_at = ? WHERE id = ?`
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(q), when.UTC(), when.UTC(), webhookID)
		if err != nil {
			return fmt.Errorf("update webhook result: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.QueryRowContext(ctx,
			s.d.rebind(`SELECT failure_count FROM webhooks WHERE id = ?`), webhookID).
			Scan(&failureCount)
	})
	if err != nil {
		return 0, err
	}
	return failureCount, nil
}

func (s *sqlStore) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx,
		`UPDATE webhooks SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set webhook active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Activity log ---

func (s *sqlStore) LogActivity(ctx context.Context, entry *ActivityEntry) error {
	meta := "{}"
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode activity metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := s.exec(ctx,
		`INSERT INTO activity_log (id, activity_type, actor_type, actor_id, actor_email, target_type, target_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ActivityType, entry.ActorType, entry.ActorID, entry.ActorEmail,
		entry.TargetType, entry.TargetID, meta, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRecentActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT id, activity_type, actor_type, actor_id, actor_email, target_type, target_id, metadata, created_at
		 FROM activity_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.ActivityType, &e.ActorType, &e.ActorID, &e.ActorEmail,
			&e.TargetType, &e.TargetID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Site configuration ---

func (s *sqlStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM site_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

func (s *sqlStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO site_config (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *sqlStore) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT key, value FROM site_config`)
	if err != nil {
		return nil, fmt.Errorf("get all config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Staged storage configuration ---

func (s *sqlStore) GetStorageConfig(ctx context.Context, slot string) (*StorageConfigRow, error) {
	var row StorageConfigRow
	err := s.queryRow(ctx,
		`SELECT slot, config, updated_at FROM storage_config WHERE slot = ?`, slot).
		Scan(&row.Slot, &row.Config, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get storage config: %w", err)
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, nil
}

func (s *sqlStore) SetStorageConfig(ctx context.Context, slot, config string) error {
	_, err := s.exec(ctx,
		`INSERT INTO storage_config (slot, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (slot) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		slot, config, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set storage config: %w", err)
	}
	return nil
}
