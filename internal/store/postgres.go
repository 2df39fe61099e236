package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/geonotify/internal/db"
	"github.com/albapepper/geonotify/internal/models"
)

// Postgres implements Store over a pgx pool. Hot reads go through the
// prepared statements registered by db.New; writes are inline SQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an initialized pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --------------------------------------------------------------------------
// Reference data
// --------------------------------------------------------------------------

func (p *Postgres) GetGeofence(ctx context.Context, id string) (*models.Geofence, error) {
	var g models.Geofence
	var tier string
	err := p.pool.QueryRow(ctx, "geofence_by_id", id).Scan(
		&g.ID, &g.TaskID, &g.PlaceID, &g.Center.Lat, &g.Center.Lng, &g.Radius, &tier, &g.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("get geofence %s: %w", id, notFound(err))
	}
	g.Tier = models.Tier(tier)
	return &g, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	var status string
	if err := p.pool.QueryRow(ctx, "task_by_id", id).Scan(&t.ID, &t.UserID, &t.Title, &status); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, notFound(err))
	}
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx, "user_by_id", id).Scan(&u.ID, &u.Timezone, &u.QuietStart, &u.QuietEnd, &u.FocusMode)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	return &u, nil
}

func (p *Postgres) GetPlace(ctx context.Context, id string) (*models.Place, error) {
	var pl models.Place
	err := p.pool.QueryRow(ctx, "place_by_id", id).Scan(&pl.ID, &pl.Name, &pl.Location.Lat, &pl.Location.Lng)
	if err != nil {
		return nil, fmt.Errorf("get place %s: %w", id, notFound(err))
	}
	return &pl, nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE tasks SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, "device_tokens", userID)
	if err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan device tokens: %w", err)
	}
	return tokens, nil
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

func scanEvent(row rowScanner) (models.GeofenceEvent, error) {
	var e models.GeofenceEvent
	var eventType, status string
	err := row.Scan(
		&e.ID, &e.UserID, &e.TaskID, &e.GeofenceID, &eventType,
		&e.Location.Lat, &e.Location.Lng, &e.Confidence, &status, &e.Reason,
		&e.BundledWith, &e.CooldownUntil, &e.OccurredAt, &e.CreatedAt,
	)
	e.Type = models.EventType(eventType)
	e.Status = models.EventStatus(status)
	return e, err
}

func collectEvents(rows pgx.Rows) ([]models.GeofenceEvent, error) {
	defer rows.Close()
	var out []models.GeofenceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *Postgres) CreateEvent(ctx context.Context, e *models.GeofenceEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO geofence_events (
			id, user_id, task_id, geofence_id, event_type, lat, lng, confidence,
			status, reason, bundled_with, cooldown_until, occurred_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.UserID, e.TaskID, e.GeofenceID, string(e.Type), e.Location.Lat, e.Location.Lng, e.Confidence,
		string(e.Status), nullString(e.Reason), e.BundledWith, e.CooldownUntil, e.OccurredAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateEvent(ctx context.Context, e *models.GeofenceEvent) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE geofence_events
		SET status = $2, reason = $3, bundled_with = $4, cooldown_until = $5
		WHERE id = $1`,
		e.ID, string(e.Status), nullString(e.Reason), e.BundledWith, e.CooldownUntil,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*models.GeofenceEvent, error) {
	e, err := scanEvent(p.pool.QueryRow(ctx, "event_by_id", id))
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, notFound(err))
	}
	return &e, nil
}

func (p *Postgres) FindRecentEvents(ctx context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error) {
	rows, err := p.pool.Query(ctx, "recent_events", userID, since)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return collectEvents(rows)
}

func (p *Postgres) LatestCooldown(ctx context.Context, userID, geofenceID string) (time.Time, bool, error) {
	var until *time.Time
	if err := p.pool.QueryRow(ctx, "latest_cooldown", userID, geofenceID).Scan(&until); err != nil {
		return time.Time{}, false, fmt.Errorf("latest cooldown: %w", err)
	}
	if until == nil {
		return time.Time{}, false, nil
	}
	return *until, true, nil
}

func (p *Postgres) FindPendingEvents(ctx context.Context, limit int) ([]models.GeofenceEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, "pending_events", limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return collectEvents(rows)
}

func (p *Postgres) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM geofence_events
		WHERE status <> 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

func scanNotification(row rowScanner) (models.NotificationRecord, error) {
	var n models.NotificationRecord
	var status string
	var data []byte
	err := row.Scan(
		&n.ID, &n.UserID, &n.EventIDs, &n.TaskIDs, &n.Title, &n.Body, &data, &status,
		&n.ScheduledFor, &n.Attempts, &n.LastError, &n.DeliveredAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, err
	}
	n.Status = models.NotificationStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return n, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return n, nil
}

func encodeData(data map[string]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(data)
}

func (p *Postgres) CreateNotification(ctx context.Context, n *models.NotificationRecord) error {
	data, err := encodeData(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO notifications (
			id, user_id, event_ids, task_ids, title, body, data, status,
			scheduled_for, attempts, last_error, delivered_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.ID, n.UserID, n.EventIDs, n.TaskIDs, n.Title, n.Body, data, string(n.Status),
		n.ScheduledFor, n.Attempts, nullString(n.LastError), n.DeliveredAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateNotification(ctx context.Context, n *models.NotificationRecord) error {
	data, err := encodeData(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE notifications
		SET event_ids = $2, task_ids = $3, title = $4, body = $5, data = $6, status = $7,
			scheduled_for = $8, attempts = $9, last_error = $10, delivered_at = $11, updated_at = $12
		WHERE id = $1`,
		n.ID, n.EventIDs, n.TaskIDs, n.Title, n.Body, data, string(n.Status),
		n.ScheduledFor, n.Attempts, nullString(n.LastError), n.DeliveredAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error) {
	n, err := scanNotification(p.pool.QueryRow(ctx, "notification_by_id", id))
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, notFound(err))
	}
	return &n, nil
}

func (p *Postgres) FindDueNotifications(ctx context.Context, now time.Time, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+db.NotificationColumns+`
		FROM notifications
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOpenNotificationByEvent(ctx context.Context, eventID string) (*models.NotificationRecord, error) {
	n, err := scanNotification(p.pool.QueryRow(ctx, "open_notification_for", eventID))
	if err != nil {
		return nil, fmt.Errorf("open notification for %s: %w", eventID, notFound(err))
	}
	return &n, nil
}

func (p *Postgres) CountNotificationsByStatus(ctx context.Context) (map[models.NotificationStatus]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.NotificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan notification count: %w", err)
		}
		counts[models.NotificationStatus(status)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM notifications
		WHERE status IN ('delivered', 'failed', 'cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --------------------------------------------------------------------------
// Snoozes and mutes
// --------------------------------------------------------------------------

func scanSnooze(row rowScanner) (models.Snooze, error) {
	var s models.Snooze
	var seconds int64
	var status string
	err := row.Scan(&s.ID, &s.NotificationID, &s.UserID, &seconds, &s.ExpiresAt, &status, &s.CreatedAt)
	s.Duration = time.Duration(seconds) * time.Second
	s.Status = models.SuppressionStatus(status)
	return s, err
}

func scanMute(row rowScanner) (models.Mute, error) {
	var m models.Mute
	var seconds int64
	var status string
	err := row.Scan(&m.ID, &m.TaskID, &m.UserID, &seconds, &m.ExpiresAt, &status, &m.CreatedAt)
	m.Duration = time.Duration(seconds) * time.Second
	m.Status = models.SuppressionStatus(status)
	return m, err
}

func (p *Postgres) CreateSnooze(ctx context.Context, s *models.Snooze) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notification_snoozes (id, notification_id, user_id, duration_seconds, expires_at, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.NotificationID, s.UserID, int64(s.Duration/time.Second), s.ExpiresAt, string(s.Status), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snooze: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSnooze(ctx context.Context, s *models.Snooze) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE notification_snoozes SET expires_at = $2, status = $3 WHERE id = $1`,
		s.ID, s.ExpiresAt, string(s.Status))
	if err != nil {
		return fmt.Errorf("update snooze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindActiveSnooze(ctx context.Context, notificationID string) (*models.Snooze, error) {
	s, err := scanSnooze(p.pool.QueryRow(ctx, "active_snooze_for", notificationID))
	if err != nil {
		return nil, fmt.Errorf("active snooze for %s: %w", notificationID, notFound(err))
	}
	return &s, nil
}

func (p *Postgres) FindExpiredSnoozes(ctx context.Context, now time.Time) ([]models.Snooze, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+db.SnoozeColumns+`
		FROM notification_snoozes
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("expired snoozes: %w", err)
	}
	defer rows.Close()

	var out []models.Snooze
	for rows.Next() {
		s, err := scanSnooze(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snooze: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveSnoozes(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification_snoozes WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snoozes: %w", err)
	}
	return n, nil
}

func (p *Postgres) CreateMute(ctx context.Context, m *models.Mute) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO task_mutes (id, task_id, user_id, duration_seconds, expires_at, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.TaskID, m.UserID, int64(m.Duration/time.Second), m.ExpiresAt, string(m.Status), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mute: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateMute(ctx context.Context, m *models.Mute) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_mutes SET expires_at = $2, status = $3 WHERE id = $1`,
		m.ID, m.ExpiresAt, string(m.Status))
	if err != nil {
		return fmt.Errorf("update mute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindActiveMute(ctx context.Context, taskID string) (*models.Mute, error) {
	m, err := scanMute(p.pool.QueryRow(ctx, "active_mute_for", taskID))
	if err != nil {
		return nil, fmt.Errorf("active mute for %s: %w", taskID, notFound(err))
	}
	return &m, nil
}

func (p *Postgres) FindExpiredMutes(ctx context.Context, now time.Time) ([]models.Mute, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+db.MuteColumns+`
		FROM task_mutes
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("expired mutes: %w", err)
	}
	defer rows.Close()

	var out []models.Mute
	for rows.Next() {
		m, err := scanMute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mute: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveMutes(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_mutes WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mutes: %w", err)
	}
	return n, nil
}
