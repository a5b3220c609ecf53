package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"atelier/internal/notify"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSender lets a test script per-channel dispatch outcomes.
type stubSender struct {
	channel notify.Channel
	fail    bool
	sent    []notify.Message
}

func (s *stubSender) Channel() notify.Channel { return s.channel }

func (s *stubSender) Send(ctx context.Context, msg notify.Message) error {
	if s.fail {
		return errors.New("provider unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

// gateSender blocks each Send until released, so a test can interleave
// other operations with an in-flight dispatch.
type gateSender struct {
	channel notify.Channel
	fail    bool
	started chan struct{}
	release chan struct{}
}

func (g *gateSender) Channel() notify.Channel { return g.channel }

func (g *gateSender) Send(ctx context.Context, msg notify.Message) error {
	g.started <- struct{}{}
	<-g.release
	if g.fail {
		return errors.New("provider unavailable")
	}
	return nil
}

func newGateSender(channel notify.Channel, fail bool) *gateSender {
	return &gateSender{
		channel: channel,
		fail:    fail,
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
}

// countingSender records how many provider calls it receives.
type countingSender struct {
	channel notify.Channel
	calls   atomic.Int64
}

func (c *countingSender) Channel() notify.Channel { return c.channel }

func (c *countingSender) Send(ctx context.Context, msg notify.Message) error {
	c.calls.Add(1)
	return nil
}

func setupTestScheduler(t *testing.T, senders ...notify.Sender) (Service, *sql.DB) {
	t.Helper()

	pgHost := os.Getenv("PGHOST")
	if pgHost == "" {
		pgHost = "localhost"
	}
	pgPort := os.Getenv("PGPORT")
	if pgPort == "" {
		pgPort = "5432"
	}
	pgUser := os.Getenv("PGUSER")
	if pgUser == "" {
		pgUser = "user"
	}
	pgPassword := os.Getenv("PGPASSWORD")
	if pgPassword == "" {
		pgPassword = "password"
	}
	pgDB := os.Getenv("PGDATABASE")
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		t.Skipf("skipping reminder scheduler tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reminder_settings (
			id INT PRIMARY KEY,
			enabled BOOLEAN NOT NULL,
			r1_enabled BOOLEAN NOT NULL,
			r1_delay_hours INT NOT NULL,
			r2_enabled BOOLEAN NOT NULL,
			r2_delay_hours INT NOT NULL,
			r3_enabled BOOLEAN NOT NULL,
			r3_delay_hours INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reminder_events (
			id UUID PRIMARY KEY,
			order_id TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			slot INT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	require.NoError(t, err)

	if len(senders) == 0 {
		senders = []notify.Sender{&stubSender{channel: notify.ChannelSMS}}
	}

	svc := NewService(db, notify.NewDispatcher(senders...))
	require.NoError(t, svc.UpdateSettings(context.Background(), DefaultSettings()))
	return svc, db
}

func newTestOrder() Order {
	return Order{
		ID:            uuid.NewString(),
		CustomerName:  "Awa Diop",
		CustomerPhone: "+221770000000",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestScheduleForOrderCreatesOneEventPerEnabledSlot(t *testing.T) {
	svc, _ := setupTestScheduler(t)
	order := newTestOrder()

	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i, event := range events {
		assert.Equal(t, order.ID, event.OrderID)
		assert.Equal(t, i+1, event.Slot)
		assert.Equal(t, StatusPending, event.Status)
	}
	assert.Equal(t, order.CreatedAt.Add(24*time.Hour), events[0].ScheduledAt)
	assert.Equal(t, order.CreatedAt.Add(72*time.Hour), events[1].ScheduledAt)
	assert.Equal(t, order.CreatedAt.Add(120*time.Hour), events[2].ScheduledAt)
}

func TestScheduleForOrderSkipsDisabledSlots(t *testing.T) {
	svc, _ := setupTestScheduler(t)

	settings := DefaultSettings()
	settings.Reminder2.Enabled = false
	require.NoError(t, svc.UpdateSettings(context.Background(), settings))

	events, err := svc.ScheduleForOrder(context.Background(), newTestOrder())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Slot)
	assert.Equal(t, 3, events[1].Slot)
}

func TestScheduleForOrderMasterSwitchOff(t *testing.T) {
	svc, _ := setupTestScheduler(t)

	settings := DefaultSettings()
	settings.Enabled = false
	require.NoError(t, svc.UpdateSettings(context.Background(), settings))

	events, err := svc.ScheduleForOrder(context.Background(), newTestOrder())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCancelForOrderIsIdempotent(t *testing.T) {
	svc, _ := setupTestScheduler(t)
	order := newTestOrder()

	_, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	cancelled, err := svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cancelled)

	cancelled, err = svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestCancelForOrderUnknownOrderIsNoOp(t *testing.T) {
	svc, _ := setupTestScheduler(t)

	cancelled, err := svc.CancelForOrder(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestOrderPaidBeforeFirstReminder(t *testing.T) {
	svc, db := setupTestScheduler(t)
	order := newTestOrder()

	_, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	// Paid 10 hours in, before any reminder fires.
	_, err = svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)

	var pending, sent, cancelled int
	err = db.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE status = 'PENDING'),
		       COUNT(*) FILTER (WHERE status = 'SENT'),
		       COUNT(*) FILTER (WHERE status = 'CANCELLED')
		FROM reminder_events WHERE order_id = $1
	`, order.ID).Scan(&pending, &sent, &cancelled)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, sent)
	assert.Equal(t, 3, cancelled)
}

func TestDueRemindersOrderedByScheduledAt(t *testing.T) {
	svc, _ := setupTestScheduler(t)

	early := newTestOrder()
	early.CreatedAt = time.Now().UTC().Add(-200 * time.Hour)
	late := newTestOrder()
	late.CreatedAt = time.Now().UTC().Add(-30 * time.Hour)

	// Insert the later order first to prove ordering comes from the
	// schedule, not insertion.
	_, err := svc.ScheduleForOrder(context.Background(), late)
	require.NoError(t, err)
	_, err = svc.ScheduleForOrder(context.Background(), early)
	require.NoError(t, err)

	due, err := svc.DueReminders(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(due), 4)

	for i := 1; i < len(due); i++ {
		assert.False(t, due[i].ScheduledAt.Before(due[i-1].ScheduledAt),
			"due reminders out of order at index %d", i)
	}
}

func TestDueRemindersExcludesFutureEvents(t *testing.T) {
	svc, _ := setupTestScheduler(t)
	order := newTestOrder()

	_, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	due, err := svc.DueReminders(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	for _, event := range due {
		assert.NotEqual(t, order.ID, event.OrderID, "freshly scheduled reminder is not due yet")
	}
}

func TestDispatchMarksSentOnSuccess(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS}
	whatsapp := &stubSender{channel: notify.ChannelWhatsApp}
	svc, _ := setupTestScheduler(t, sms, whatsapp)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	status, err := svc.Dispatch(context.Background(), events[0])
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)

	require.Len(t, sms.sent, 1)
	require.Len(t, whatsapp.sent, 1)
	assert.Equal(t, "payment_reminder", sms.sent[0].Trigger)
	assert.Equal(t, order.CustomerPhone, sms.sent[0].Phone)
	assert.Equal(t, order.ID, sms.sent[0].TemplateData["order_id"])
}

func TestDispatchOneChannelFailureStillSends(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS, fail: true}
	whatsapp := &stubSender{channel: notify.ChannelWhatsApp}
	svc, _ := setupTestScheduler(t, sms, whatsapp)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	status, err := svc.Dispatch(context.Background(), events[0])
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)
}

func TestDispatchTotalFailureRetainsPending(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS, fail: true}
	svc, db := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	status, err := svc.Dispatch(context.Background(), events[0])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	var attempts int
	err = db.QueryRow(`SELECT attempts FROM reminder_events WHERE id = $1`, events[0].ID).Scan(&attempts)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDispatchExhaustedAttemptsBecomeFailed(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS, fail: true}
	svc, _ := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	event := events[0]
	var status Status
	for i := 0; i < maxDispatchAttempts; i++ {
		event.Attempts = i
		status, err = svc.Dispatch(context.Background(), event)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusFailed, status)

	// A terminal event is never dispatched again.
	status, err = svc.Dispatch(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestDispatchAfterCancellationDoesNotSend(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS}
	svc, _ := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	_, err = svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)

	status, err := svc.Dispatch(context.Background(), events[0])
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)
	assert.Empty(t, sms.sent, "cancelled reminder must not reach the customer")
}

func TestCancellationWinsOverInFlightFailedDispatch(t *testing.T) {
	sms := newGateSender(notify.ChannelSMS, true)
	svc, db := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	statusCh := make(chan Status, 1)
	go func() {
		status, err := svc.Dispatch(context.Background(), events[0])
		assert.NoError(t, err)
		statusCh <- status
	}()

	// The event is claimed while the provider call is in flight; the
	// payment arrives right then. Cancellation must cover the claimed
	// event too, not just the two still pending.
	<-sms.started
	cancelled, err := svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cancelled)

	// The failed dispatch must not requeue the cancelled event.
	close(sms.release)
	assert.Equal(t, StatusCancelled, <-statusCh)

	var status Status
	err = db.QueryRow(`SELECT status FROM reminder_events WHERE id = $1`, events[0].ID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	// Terminal: a later pass cannot pick it back up.
	status, err = svc.Dispatch(context.Background(), events[0])
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)
}

func TestCancellationDuringSuccessfulSendIsNotOverwritten(t *testing.T) {
	sms := newGateSender(notify.ChannelSMS, false)
	svc, db := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	statusCh := make(chan Status, 1)
	go func() {
		status, err := svc.Dispatch(context.Background(), events[0])
		assert.NoError(t, err)
		statusCh <- status
	}()

	<-sms.started
	_, err = svc.CancelForOrder(context.Background(), order.ID)
	require.NoError(t, err)

	// The send went out, but the record reflects the cancellation: the
	// SENT transition loses and the reported status says so.
	close(sms.release)
	assert.Equal(t, StatusCancelled, <-statusCh)

	var status Status
	err = db.QueryRow(`SELECT status FROM reminder_events WHERE id = $1`, events[0].ID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)
}

func TestOverlappingDispatchesNeverDoubleSend(t *testing.T) {
	sms := &countingSender{channel: notify.ChannelSMS}
	svc, db := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	const passes = 4
	statuses := make([]Status, passes)
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := svc.Dispatch(context.Background(), events[0])
			assert.NoError(t, err)
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), sms.calls.Load(), "only the claiming pass may reach the provider")
	for i, status := range statuses {
		assert.Contains(t, []Status{StatusSending, StatusSent}, status,
			"pass %d observed an unexpected status", i)
	}

	var status Status
	var attempts int
	err = db.QueryRow(`SELECT status, attempts FROM reminder_events WHERE id = $1`, events[0].ID).Scan(&status, &attempts)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)
	assert.Equal(t, 1, attempts)
}

func TestStalledSendingEventIsRecovered(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS}
	svc, db := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	// A crash between claim and outcome strands the event in SENDING.
	_, err = db.Exec(`
		UPDATE reminder_events
		SET status = 'SENDING', attempts = 1, updated_at = NOW() - INTERVAL '10 minutes'
		WHERE id = $1
	`, events[0].ID)
	require.NoError(t, err)

	// A freshly claimed event still holds its lease.
	_, err = db.Exec(`
		UPDATE reminder_events SET status = 'SENDING', attempts = 1 WHERE id = $1
	`, events[1].ID)
	require.NoError(t, err)

	report, err := svc.RunPass(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Recovered, 1)

	var status Status
	err = db.QueryRow(`SELECT status FROM reminder_events WHERE id = $1`, events[0].ID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status)

	err = db.QueryRow(`SELECT status FROM reminder_events WHERE id = $1`, events[1].ID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, status, "a live claim must not be requeued")
}

func TestRunPassIsolatesFailures(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS}
	svc, _ := setupTestScheduler(t, sms)

	order := newTestOrder()
	order.CreatedAt = time.Now().UTC().Add(-130 * time.Hour)
	_, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)

	report, err := svc.RunPass(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Due, 3)
	assert.GreaterOrEqual(t, report.Sent, 3)
}

func TestUpdateSettingsNotRetroactive(t *testing.T) {
	svc, _ := setupTestScheduler(t)
	order := newTestOrder()

	events, err := svc.ScheduleForOrder(context.Background(), order)
	require.NoError(t, err)
	originalFirst := events[0].ScheduledAt

	settings := DefaultSettings()
	settings.Reminder1.DelayHours = 2
	require.NoError(t, svc.UpdateSettings(context.Background(), settings))

	// Already-scheduled events keep the old delay.
	due, err := svc.DueReminders(context.Background(), order.CreatedAt.Add(3*time.Hour))
	require.NoError(t, err)
	for _, event := range due {
		assert.NotEqual(t, order.ID, event.OrderID)
	}

	// New orders pick up the new delay.
	newOrder := newTestOrder()
	newEvents, err := svc.ScheduleForOrder(context.Background(), newOrder)
	require.NoError(t, err)
	assert.Equal(t, newOrder.CreatedAt.Add(2*time.Hour), newEvents[0].ScheduledAt)
	assert.Equal(t, order.CreatedAt.Add(24*time.Hour), originalFirst)
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	svc, _ := setupTestScheduler(t)

	settings := DefaultSettings()
	settings.Reminder1.DelayHours = 500
	err := svc.UpdateSettings(context.Background(), settings)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestStatsCountsByStatus(t *testing.T) {
	sms := &stubSender{channel: notify.ChannelSMS}
	svc, _ := setupTestScheduler(t, sms)

	scheduled := newTestOrder()
	_, err := svc.ScheduleForOrder(context.Background(), scheduled)
	require.NoError(t, err)

	paid := newTestOrder()
	_, err = svc.ScheduleForOrder(context.Background(), paid)
	require.NoError(t, err)
	_, err = svc.CancelForOrder(context.Background(), paid.ID)
	require.NoError(t, err)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Pending, int64(3))
	assert.GreaterOrEqual(t, stats.Cancelled, int64(3))
}
