// internal/reminders/implementation.go
package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"atelier/internal/notify"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	db         *sql.DB
	dispatcher *notify.Dispatcher
	tracer     trace.Tracer
}

// NewService creates a new reminder scheduler instance.
func NewService(db *sql.DB, dispatcher *notify.Dispatcher) Service {
	return &service{
		db:         db,
		dispatcher: dispatcher,
		tracer:     otel.Tracer("atelier/reminders"),
	}
}

// ScheduleForOrder creates one PENDING event per enabled slot, using
// the settings in force right now. Settings changes after this point
// never reschedule events already created here.
func (s *service) ScheduleForOrder(ctx context.Context, order Order) ([]Event, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.Enabled {
		return nil, nil
	}

	now := time.Now().UTC()
	var events []Event
	for i, slot := range settings.slots() {
		if !slot.Enabled {
			continue
		}
		events = append(events, Event{
			ID:            uuid.New(),
			OrderID:       order.ID,
			CustomerName:  order.CustomerName,
			CustomerPhone: order.CustomerPhone,
			Slot:          i + 1,
			ScheduledAt:   order.CreatedAt.Add(time.Duration(slot.DelayHours) * time.Hour),
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reminder_events (id, order_id, customer_name, customer_phone, slot, scheduled_at, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		_, err := stmt.ExecContext(ctx, event.ID, event.OrderID, event.CustomerName, event.CustomerPhone,
			event.Slot, event.ScheduledAt, event.Status, now)
		if err != nil {
			return nil, fmt.Errorf("insert reminder for slot %d: %w", event.Slot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return events, nil
}

// CancelForOrder transitions every live event for the order to
// CANCELLED. SENDING is covered too: an in-flight dispatch loses its
// terminal compare-and-set against the cancellation, so a reminder can
// never come back after the order is settled. Idempotent: with nothing
// left live it is a no-op returning 0.
func (s *service) CancelForOrder(ctx context.Context, orderID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminder_events
		SET status = $1, updated_at = NOW()
		WHERE order_id = $2 AND status IN ($3, $4)
	`, StatusCancelled, orderID, StatusPending, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}

	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return cancelled, nil
}

// DueReminders returns PENDING events due at or before now, earliest
// first, so a backlog never starves the first-promised reminder.
func (s *service) DueReminders(ctx context.Context, now time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, customer_name, customer_phone, slot, scheduled_at, status, attempts, created_at, updated_at
		FROM reminder_events
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
	`, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		err := rows.Scan(
			&event.ID,
			&event.OrderID,
			&event.CustomerName,
			&event.CustomerPhone,
			&event.Slot,
			&event.ScheduledAt,
			&event.Status,
			&event.Attempts,
			&event.CreatedAt,
			&event.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}

	return events, nil
}

// Dispatch claims the event, fires both notification channels, and
// records the outcome. The claim is a compare-and-set on the status so
// an overlapping scheduler pass or a racing cancellation can never
// double-send or clobber a terminal state.
func (s *service) Dispatch(ctx context.Context, event Event) (Status, error) {
	ctx, span := s.tracer.Start(ctx, "reminders.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", event.ID.String()),
			attribute.String("order.id", event.OrderID),
			attribute.Int("event.slot", event.Slot),
			attribute.Int("event.attempts", event.Attempts),
		),
	)
	defer span.End()

	claimed, err := s.transition(ctx, event.ID, StatusPending, StatusSending, true)
	if err != nil {
		return "", err
	}
	if !claimed {
		// Another pass claimed it, or the order hit a terminal state.
		span.SetAttributes(attribute.Bool("claim.lost", true))
		return s.currentStatus(ctx, event.ID)
	}

	msg := notify.Message{
		Trigger: "payment_reminder",
		Phone:   event.CustomerPhone,
		TemplateData: map[string]string{
			"customer_name": event.CustomerName,
			"order_id":      event.OrderID,
			"reminder_slot": fmt.Sprintf("%d", event.Slot),
		},
	}

	if _, err := s.dispatcher.SendAll(ctx, msg); err != nil {
		if !errors.Is(err, notify.ErrAllChannelsFailed) {
			log.Printf("reminders: dispatch error for event %s: %v", event.ID, err)
		}

		next := StatusPending
		if event.Attempts+1 >= maxDispatchAttempts {
			next = StatusFailed
		}
		moved, err := s.transition(ctx, event.ID, StatusSending, next, false)
		if err != nil {
			return "", err
		}
		if !moved {
			// A cancellation landed while the send was in flight.
			span.SetAttributes(attribute.Bool("outcome.lost", true))
			return s.currentStatus(ctx, event.ID)
		}
		span.SetAttributes(attribute.String("dispatch.outcome", string(next)))
		return next, nil
	}

	moved, err := s.transition(ctx, event.ID, StatusSending, StatusSent, false)
	if err != nil {
		return "", err
	}
	if !moved {
		span.SetAttributes(attribute.Bool("outcome.lost", true))
		return s.currentStatus(ctx, event.ID)
	}
	span.SetAttributes(attribute.String("dispatch.outcome", string(StatusSent)))
	return StatusSent, nil
}

// transition moves an event from one status to another only if it is
// still in the expected state, optionally counting a dispatch attempt.
func (s *service) transition(ctx context.Context, id uuid.UUID, from, to Status, countAttempt bool) (bool, error) {
	query := `
		UPDATE reminder_events
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	if countAttempt {
		query = `
			UPDATE reminder_events
			SET status = $1, attempts = attempts + 1, updated_at = NOW()
			WHERE id = $2 AND status = $3
		`
	}

	result, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *service) currentStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM reminder_events WHERE id = $1
	`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("query event status: %w", err)
	}
	return status, nil
}

// recoverStalled requeues events stranded in SENDING by a crash between
// the claim and the outcome transition. A healthy dispatch finishes well
// inside the lease, so anything older has no live owner.
func (s *service) recoverStalled(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminder_events
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, StatusPending, StatusSending, now.Add(-sendingLease))
	if err != nil {
		return 0, fmt.Errorf("recover stalled reminders: %w", err)
	}
	return result.RowsAffected()
}

// RunPass executes one scheduler pass: stalled claims are recovered,
// then every due reminder gets a dispatch attempt, and a failure on one
// never stops the rest.
func (s *service) RunPass(ctx context.Context, now time.Time) (*PassReport, error) {
	ctx, span := s.tracer.Start(ctx, "reminders.run_pass")
	defer span.End()

	recovered, err := s.recoverStalled(ctx, now)
	if err != nil {
		return nil, err
	}

	due, err := s.DueReminders(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &PassReport{Due: len(due), Recovered: int(recovered)}
	for _, event := range due {
		status, err := s.Dispatch(ctx, event)
		if err != nil {
			log.Printf("reminders: pass failed on event %s: %v", event.ID, err)
			report.Skipped++
			continue
		}
		switch status {
		case StatusSent:
			report.Sent++
		case StatusPending:
			report.Requeued++
		case StatusFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("pass.due", report.Due),
		attribute.Int("pass.recovered", report.Recovered),
		attribute.Int("pass.sent", report.Sent),
		attribute.Int("pass.requeued", report.Requeued),
		attribute.Int("pass.failed", report.Failed),
	)
	return report, nil
}

// GetSettings loads the singleton configuration, falling back to the
// defaults when nothing has been saved yet.
func (s *service) GetSettings(ctx context.Context) (*Settings, error) {
	settings := Settings{}
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled,
		       r1_enabled, r1_delay_hours,
		       r2_enabled, r2_delay_hours,
		       r3_enabled, r3_delay_hours
		FROM reminder_settings
		WHERE id = 1
	`).Scan(
		&settings.Enabled,
		&settings.Reminder1.Enabled, &settings.Reminder1.DelayHours,
		&settings.Reminder2.Enabled, &settings.Reminder2.DelayHours,
		&settings.Reminder3.Enabled, &settings.Reminder3.DelayHours,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			defaults := DefaultSettings()
			return &defaults, nil
		}
		return nil, fmt.Errorf("query settings: %w", err)
	}

	return &settings, nil
}

// UpdateSettings validates and persists the configuration atomically.
// Already-scheduled PENDING events keep their original times; only
// orders created after the update see the new delays.
func (s *service) UpdateSettings(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_settings (id, enabled, r1_enabled, r1_delay_hours, r2_enabled, r2_delay_hours, r3_enabled, r3_delay_hours, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    r1_enabled = EXCLUDED.r1_enabled, r1_delay_hours = EXCLUDED.r1_delay_hours,
		    r2_enabled = EXCLUDED.r2_enabled, r2_delay_hours = EXCLUDED.r2_delay_hours,
		    r3_enabled = EXCLUDED.r3_enabled, r3_delay_hours = EXCLUDED.r3_delay_hours,
		    updated_at = NOW()
	`, settings.Enabled,
		settings.Reminder1.Enabled, settings.Reminder1.DelayHours,
		settings.Reminder2.Enabled, settings.Reminder2.DelayHours,
		settings.Reminder3.Enabled, settings.Reminder3.DelayHours,
	)
	if err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	return nil
}

// Stats counts events by status for the admin dashboard.
func (s *service) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM reminder_events
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusSending:
			stats.Sending = count
		case StatusSent:
			stats.Sent = count
		case StatusCancelled:
			stats.Cancelled = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}
