package domain

import "time"

// Task is one unit of background newsletter work (a send or trigger).
// Tasks are never deleted; terminal rows are kept for audit.
type Task struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Send is one outbound message produced by a task.
type Send struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	TaskID    string    `json:"task_id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SendEvent is one lifecycle event observed for a send
// (sent, delivered, opened, clicked, bounced, ...). The set is
// open-ended; trajectory order is OccurredAt with Seq as tie-break.
type SendEvent struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	SendID     string    `json:"send_id"`
	TenantID   string    `json:"tenant_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatRecord is a per-day, per-event-type counter. Count updates never
// move the row in export order; Seq is assigned once at first insert.
type StatRecord struct {
	Seq       int64  `json:"seq"`
	TenantID  string `json:"tenant_id"`
	Day       string `json:"day"`
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// Schedule is a recurring newsletter trigger.
type Schedule struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Payload   []byte     `json:"payload,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
