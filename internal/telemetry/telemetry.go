// Package telemetry carries restore and sync events to metrics and activity
// sinks.
package telemetry

import (
	"context"
	"time"
)

const (
	EventRestoreSkipped = "context_restore_skipped"
	EventRestoreFailure = "context_restore_failure"
	EventRestoreSuccess = "context_restore_success"
	EventSyncWrite      = "context_sync_write"
)

// Well-known property keys.
const (
	PropVariant   = "variant"
	PropSource    = "source"
	PropReason    = "reason"
	PropOrgID     = "orgId"
	PropCompanyID = "companyId"
	PropLatency   = "latency"
	PropChanged   = "changed"
	PropStatus    = "status"

	// PropError carries free-form error text. It never becomes a metric label.
	PropError = "error"
)

type Event struct {
	Name       string
	Properties map[string]any
	OccurredAt time.Time
}

// String returns the property value for key, or "" when it is missing or not
// a string.
func (e Event) String(key string) string {
	value, _ := e.Properties[key].(string)
	return value
}

// OptionalID turns a nullable id into a property value: the id itself, or
// untyped nil.
func OptionalID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

type Tracker interface {
	Track(ctx context.Context, event Event)
}

type TrackerFunc func(ctx context.Context, event Event)

func (f TrackerFunc) Track(ctx context.Context, event Event) {
	f(ctx, event)
}

// Multi fans an event out to every non-nil tracker.
func Multi(trackers ...Tracker) Tracker {
	out := make(multiTracker, 0, len(trackers))
	for _, tracker := range trackers {
		if tracker != nil {
			out = append(out, tracker)
		}
	}
	return out
}

type multiTracker []Tracker

func (m multiTracker) Track(ctx context.Context, event Event) {
	for _, tracker := range m {
		tracker.Track(ctx, event)
	}
}

// Emit tracks event on tracker when one is configured.
func Emit(ctx context.Context, tracker Tracker, event Event) {
	if tracker == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	tracker.Track(ctx, event)
}

// Recorder keeps events in memory for tests and the CLI's -events output.
type Recorder struct {
	events chan Event
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recorder{events: make(chan Event, capacity)}
}

// Track drops the event when the recorder is full.
func (r *Recorder) Track(_ context.Context, event Event) {
	select {
	case r.events <- event:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case event := <-r.events:
			out = append(out, event)
		default:
			return out
		}
	}
}
