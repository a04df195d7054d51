package out

import (
	"context"
	"time"
)

// CalendarSyncJob is a queued request to run a sync pass for one
// integration, used when the inline notification path is lease-blocked or
// when a sync is forced via the management API.
type CalendarSyncJob struct {
	IntegrationID int64     `json:"integration_id"`
	CalendarID    string    `json:"calendar_id"`
	UserID        string    `json:"user_id"`
	Forced        bool      `json:"forced"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// MessageProducer publishes sync jobs for the worker to consume.
type MessageProducer interface {
	PublishCalendarSync(ctx context.Context, job *CalendarSyncJob) error
}
