// Package reconciler mirrors the locally selected tenant context to the
// user's backend profile. Writes are deduplicated, debounced, and paused after
// throttling or forbidden responses.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
	"github.com/agentworkforce/tenantsync/internal/contextstore"
	"github.com/agentworkforce/tenantsync/internal/telemetry"
)

const (
	DefaultDebounce          = 500 * time.Millisecond
	DefaultRateLimitCooldown = 60 * time.Second
	DefaultForbiddenCooldown = 5 * time.Minute
	DefaultWriteTimeout      = 10 * time.Second
)

const (
	StatusOK           = "ok"
	StatusRateLimited  = "rate_limited"
	StatusForbidden    = "forbidden"
	StatusUnauthorized = "unauthorized"
	StatusError        = "error"
)

type Writer interface {
	PatchLastContext(ctx context.Context, orgID int64, companyID *int64) error
}

type WriterFunc func(ctx context.Context, orgID int64, companyID *int64) error

func (f WriterFunc) PatchLastContext(ctx context.Context, orgID int64, companyID *int64) error {
	return f(ctx, orgID, companyID)
}

// Store is the part of contextstore.Store the reconciler depends on.
type Store interface {
	Subscribe(listener contextstore.Listener) func()
	ClearContext(ctx context.Context, opts contextstore.ClearOptions) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store           Store
	Writer          Writer
	Role            Role
	RememberEnabled func() bool
	Clock           clock.Clock

	Debounce          time.Duration
	RateLimitCooldown time.Duration
	ForbiddenCooldown time.Duration
	WriteTimeout      time.Duration

	Tracker telemetry.Tracker
	Logger  Logger
}

type pair struct {
	orgID     int64
	companyID *int64
}

func (p pair) equal(other pair) bool {
	if p.orgID != other.orgID {
		return false
	}
	if p.companyID == nil || other.companyID == nil {
		return p.companyID == nil && other.companyID == nil
	}
	return *p.companyID == *other.companyID
}

type Reconciler struct {
	store    Store
	writer   Writer
	role     Role
	remember func() bool
	clock    clock.Clock

	debounce          time.Duration
	rateLimitCooldown time.Duration
	forbiddenCooldown time.Duration
	writeTimeout      time.Duration

	tracker telemetry.Tracker
	logger  Logger

	mu              sync.Mutex
	running         bool
	unsubscribe     func()
	lastFingerprint string
	lastSynced      *pair
	pending         clock.Timer
	pendingPair     pair
	inFlight        *pair
	generation      uint64
	cooldownUntil   time.Time
}

func New(opts Options) *Reconciler {
	remember := opts.RememberEnabled
	if remember == nil {
		remember = func() bool { return true }
	}
	return &Reconciler{
		store:             opts.Store,
		writer:            opts.Writer,
		role:              opts.Role,
		remember:          remember,
		clock:             clock.OrReal(opts.Clock),
		debounce:          durationOr(opts.Debounce, DefaultDebounce),
		rateLimitCooldown: durationOr(opts.RateLimitCooldown, DefaultRateLimitCooldown),
		forbiddenCooldown: durationOr(opts.ForbiddenCooldown, DefaultForbiddenCooldown),
		writeTimeout:      durationOr(opts.WriteTimeout, DefaultWriteTimeout),
		tracker:           opts.Tracker,
		logger:            opts.Logger,
	}
}

// Active reports whether the current role and preference allow write-back.
func (r *Reconciler) Active() bool {
	return r.store != nil && r.writer != nil && r.remember() && ContextIsUserManaged(r.role)
}

// Start subscribes to the store. It returns false, and does nothing, when
// write-back is not allowed for this user.
func (r *Reconciler) Start() bool {
	if !r.Active() {
		return false
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return true
	}
	r.running = true
	r.mu.Unlock()

	unsubscribe := r.store.Subscribe(r.onChange)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		// Stopped while subscribing.
		unsubscribe()
		return false
	}
	r.unsubscribe = unsubscribe
	return true
}

// Stop cancels any pending write and unsubscribes. No write starts after Stop
// returns.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.running = false
	r.cancelPendingLocked()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Reconciler) onChange(record *contextstore.Record) {
	if record == nil {
		return
	}
	next := pair{orgID: record.OrgID, companyID: record.CompanyID}
	fingerprint := fingerprintOf(record)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || fingerprint == r.lastFingerprint {
		return
	}
	r.lastFingerprint = fingerprint
	if r.inFlight == nil && r.lastSynced != nil && r.lastSynced.equal(next) {
		// Back to what the profile already holds; drop any write still
		// waiting for an intermediate change.
		r.cancelPendingLocked()
		return
	}
	r.scheduleLocked(next, r.debounce)
}

func (r *Reconciler) cancelPendingLocked() {
	r.generation++
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}

func (r *Reconciler) scheduleLocked(next pair, delay time.Duration) {
	if remaining := r.cooldownUntil.Sub(r.clock.Now()); remaining > delay {
		delay = remaining
	}
	if r.pending != nil {
		r.pending.Stop()
	}
	r.generation++
	generation := r.generation
	r.pendingPair = next
	r.pending = r.clock.AfterFunc(delay, func() { r.flush(generation) })
}

func (r *Reconciler) flush(generation uint64) {
	r.mu.Lock()
	if !r.running || generation != r.generation {
		r.mu.Unlock()
		return
	}
	target := r.pendingPair
	if r.clock.Now().Before(r.cooldownUntil) {
		// A write that was in flight when this one was scheduled started a
		// cool-down; wait it out.
		r.scheduleLocked(target, 0)
		r.mu.Unlock()
		return
	}
	r.pending = nil
	r.inFlight = &target
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	err := r.writer.PatchLastContext(ctx, target.orgID, target.companyID)
	cancel()

	status := classify(err)
	r.mu.Lock()
	r.inFlight = nil
	if status == StatusOK {
		synced := target
		r.lastSynced = &synced
	}
	r.mu.Unlock()

	switch status {
	case StatusOK:
	case StatusRateLimited:
		r.enterCooldown(r.rateLimitCooldown)
		logf(r.logger, "[tenant-context] last-context sync rate limited; pausing for %s", r.rateLimitCooldown)
	case StatusForbidden:
		if err := r.store.ClearContext(context.Background(), contextstore.ClearOptions{Silent: true}); err != nil {
			logf(r.logger, "[tenant-context] failed to purge forbidden context: %v", err)
		}
		r.enterCooldown(r.forbiddenCooldown)
	case StatusUnauthorized:
	default:
		logf(r.logger, "[tenant-context] last-context sync failed: %v", err)
	}

	telemetry.Emit(context.Background(), r.tracker, telemetry.Event{
		Name: telemetry.EventSyncWrite,
		Properties: map[string]any{
			telemetry.PropStatus:    status,
			telemetry.PropOrgID:     target.orgID,
			telemetry.PropCompanyID: telemetry.OptionalID(target.companyID),
		},
		OccurredAt: r.clock.Now(),
	})
}

func (r *Reconciler) enterCooldown(d time.Duration) {
	until := r.clock.Now().Add(d)
	r.mu.Lock()
	if until.After(r.cooldownUntil) {
		r.cooldownUntil = until
	}
	r.mu.Unlock()
}

// CooldownUntil returns the end of the current cool-down, or the zero time.
func (r *Reconciler) CooldownUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.clock.Now().Before(r.cooldownUntil) {
		return time.Time{}
	}
	return r.cooldownUntil
}

type statusCoder interface {
	HTTPStatus() int
}

func classify(err error) string {
	if err == nil {
		return StatusOK
	}
	var coded statusCoder
	if errors.As(err, &coded) {
		switch coded.HTTPStatus() {
		case http.StatusTooManyRequests:
			return StatusRateLimited
		case http.StatusForbidden:
			return StatusForbidden
		case http.StatusUnauthorized:
			return StatusUnauthorized
		}
	}
	return StatusError
}

func fingerprintOf(record *contextstore.Record) string {
	company := "null"
	if record.CompanyID != nil {
		company = fmt.Sprintf("%d", *record.CompanyID)
	}
	return fmt.Sprintf("%d:%s:%d", record.OrgID, company, record.UpdatedAt.UnixMilli())
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
