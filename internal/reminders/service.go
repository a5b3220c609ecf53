// internal/reminders/service.go
package reminders

import (
	"context"
	"time"
)

// Service defines the interface for the reminder scheduler.
type Service interface {
	ScheduleForOrder(ctx context.Context, order Order) ([]Event, error)
	CancelForOrder(ctx context.Context, orderID string) (int64, error)
	DueReminders(ctx context.Context, now time.Time) ([]Event, error)
	Dispatch(ctx context.Context, event Event) (Status, error)
	RunPass(ctx context.Context, now time.Time) (*PassReport, error)
	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error
	Stats(ctx context.Context) (*Stats, error)
}
