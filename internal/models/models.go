// Package models holds the records shared by the event pipeline, the
// notification scheduler, and the persistence layer.
package models

import (
	"time"

	"github.com/albapepper/geonotify/internal/geo"
)

// --------------------------------------------------------------------------
// Enums
// --------------------------------------------------------------------------

// EventType is the kind of boundary crossing reported by a device.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
	EventDwell EventType = "dwell"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventEnter, EventExit, EventDwell:
		return true
	}
	return false
}

// EventStatus is the processing state of a GeofenceEvent.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventDuplicate EventStatus = "duplicate"
	EventCooldown  EventStatus = "cooldown"
	EventFiltered  EventStatus = "filtered"
	EventFailed    EventStatus = "failed"
)

// Terminal reports whether no further processing may happen on the event.
func (s EventStatus) Terminal() bool {
	return s != EventPending
}

// Tier is the stage a geofence represents on the way to a place.
type Tier string

const (
	TierApproach5mi Tier = "approach_5mi"
	TierApproach3mi Tier = "approach_3mi"
	TierApproach1mi Tier = "approach_1mi"
	TierArrival     Tier = "arrival"
	TierPostArrival Tier = "post_arrival"
)

// IsApproach reports whether the tier is one of the approach rings.
func (t Tier) IsApproach() bool {
	return t == TierApproach5mi || t == TierApproach3mi || t == TierApproach1mi
}

// TaskStatus gates whether a task's geofences may notify.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskMuted     TaskStatus = "muted"
)

// NotificationStatus is the lifecycle state of a scheduled notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationSnoozed   NotificationStatus = "snoozed"
	NotificationCancelled NotificationStatus = "cancelled"
	NotificationFailed    NotificationStatus = "failed"
)

// Open reports whether the notification can still be delivered.
func (s NotificationStatus) Open() bool {
	return s == NotificationPending || s == NotificationSnoozed
}

// SuppressionStatus is shared by snoozes and mutes.
type SuppressionStatus string

const (
	SuppressionActive    SuppressionStatus = "active"
	SuppressionExpired   SuppressionStatus = "expired"
	SuppressionCancelled SuppressionStatus = "cancelled"
)

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// RawEvent is a boundary crossing as reported by a client, before any
// validation.
type RawEvent struct {
	UserID     string    `json:"user_id"`
	TaskID     string    `json:"task_id"`
	GeofenceID string    `json:"geofence_id"`
	Type       EventType `json:"event_type"`
	Location   geo.Point `json:"location"`
	Confidence float64   `json:"confidence"`
	// OccurredAt is the device timestamp; zero means "now". Offline sync
	// relies on it to compare against persisted events.
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// GeofenceEvent is a persisted crossing and its processing outcome.
type GeofenceEvent struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	TaskID        string      `json:"task_id"`
	GeofenceID    string      `json:"geofence_id"`
	Type          EventType   `json:"event_type"`
	Location      geo.Point   `json:"location"`
	Confidence    float64     `json:"confidence"`
	Status        EventStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	BundledWith   *string     `json:"bundled_with,omitempty"`
	CooldownUntil *time.Time  `json:"cooldown_until,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Geofence is a circular boundary owned by a task.
type Geofence struct {
	ID      string    `json:"id"`
	TaskID  string    `json:"task_id"`
	PlaceID string    `json:"place_id"`
	Center  geo.Point `json:"center"`
	Radius  float64   `json:"radius"`
	Tier    Tier      `json:"tier"`
	Active  bool      `json:"active"`
}

// Task is the user's reminder that owns one or more geofences.
type Task struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// User carries the delivery preferences the scheduler needs.
type User struct {
	ID         string `json:"id"`
	Timezone   string `json:"timezone"`
	QuietStart string `json:"quiet_start,omitempty"` // "22:00"
	QuietEnd   string `json:"quiet_end,omitempty"`   // "07:00"
	FocusMode  bool   `json:"focus_mode"`
}

// Place is a point of interest a geofence is drawn around.
type Place struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Location geo.Point `json:"location"`
}

// NotificationRecord is a scheduled notification and its delivery history.
// Bundled notifications reference every constituent event and task.
type NotificationRecord struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	EventIDs     []string           `json:"event_ids"`
	TaskIDs      []string           `json:"task_ids"`
	Title        string             `json:"title"`
	Body         string             `json:"body"`
	Data         map[string]string  `json:"data,omitempty"`
	Status       NotificationStatus `json:"status"`
	ScheduledFor time.Time          `json:"scheduled_for"`
	Attempts     int                `json:"attempts"`
	LastError    string             `json:"last_error,omitempty"`
	DeliveredAt  *time.Time         `json:"delivered_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Snooze defers one notification until ExpiresAt.
type Snooze struct {
	ID             string            `json:"id"`
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Duration       time.Duration     `json:"duration"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Status         SuppressionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Mute silences every notification for a task until ExpiresAt.
type Mute struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	UserID    string            `json:"user_id"`
	Duration  time.Duration     `json:"duration"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    SuppressionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}
