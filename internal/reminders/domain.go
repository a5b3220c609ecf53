// internal/reminders/domain.go
package reminders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidSettings = errors.New("invalid reminder settings")

// Status is the lifecycle state of a reminder event.
//
// PENDING -> SENDING -> SENT
// SENDING -> PENDING (dispatch failed, attempts remaining)
// SENDING -> FAILED  (dispatch failed, attempts exhausted)
// PENDING -> CANCELLED (order paid or cancelled)
// SENDING -> CANCELLED (order settled mid-dispatch; the dispatch
//                       outcome loses the compare-and-set)
//
// SENT, CANCELLED and FAILED are terminal. An event stranded in
// SENDING by a crash is requeued by a later pass once its lease
// expires.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// maxDispatchAttempts caps retries for a reminder whose dispatch keeps
// failing; after that the event is abandoned as FAILED.
const maxDispatchAttempts = 5

// sendingLease bounds how long an event may sit in SENDING before a
// scheduler pass assumes its claimant crashed and requeues it. Well
// above the 10s provider client timeout.
const sendingLease = 5 * time.Minute

// Slot is one of the three configurable follow-up schedules.
type Slot struct {
	Enabled    bool `json:"enabled"`
	DelayHours int  `json:"delay_hours"`
}

// slotMaxDelayHours holds the per-slot upper bound on the delay,
// mirroring the limits the admin UI enforces.
var slotMaxDelayHours = [3]int{168, 336, 504}

// Settings is the singleton reminder configuration.
type Settings struct {
	Enabled   bool `json:"enabled"`
	Reminder1 Slot `json:"reminder1"`
	Reminder2 Slot `json:"reminder2"`
	Reminder3 Slot `json:"reminder3"`
}

// DefaultSettings returns the stock configuration: all three slots
// enabled at 24h, 72h and 120h after order creation.
func DefaultSettings() Settings {
	return Settings{
		Enabled:   true,
		Reminder1: Slot{Enabled: true, DelayHours: 24},
		Reminder2: Slot{Enabled: true, DelayHours: 72},
		Reminder3: Slot{Enabled: true, DelayHours: 120},
	}
}

func (s Settings) slots() [3]Slot {
	return [3]Slot{s.Reminder1, s.Reminder2, s.Reminder3}
}

// Validate checks each slot's delay against its bound. Delays are not
// required to be ascending across slots; the bounds are the only
// server-side contract.
func (s Settings) Validate() error {
	for i, slot := range s.slots() {
		if slot.DelayHours < 1 || slot.DelayHours > slotMaxDelayHours[i] {
			return fmt.Errorf("%w: reminder%d delay must be between 1 and %d hours, got %d",
				ErrInvalidSettings, i+1, slotMaxDelayHours[i], slot.DelayHours)
		}
	}
	return nil
}

// Order carries the slice of order state the scheduler needs. Order
// lifecycle itself is owned elsewhere; the scheduler only reacts to it.
type Order struct {
	ID            string    `json:"id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is one scheduled follow-up notification for an order.
type Event struct {
	ID            uuid.UUID `json:"id"`
	OrderID       string    `json:"order_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	Slot          int       `json:"slot"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stats aggregates event counts by status for the admin dashboard.
type Stats struct {
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Sent      int64 `json:"sent"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
}

// PassReport summarizes one scheduler pass.
type PassReport struct {
	Due       int `json:"due"`
	Recovered int `json:"recovered"`
	Sent      int `json:"sent"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
