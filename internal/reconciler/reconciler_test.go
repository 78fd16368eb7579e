package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
	"github.com/agentworkforce/tenantsync/internal/contextstore"
	"github.com/agentworkforce/tenantsync/internal/telemetry"
)

func int64Ptr(v int64) *int64 {
	return &v
}

type statusError int

func (e statusError) Error() string   { return fmt.Sprintf("http %d", int(e)) }
func (e statusError) HTTPStatus() int { return int(e) }

type write struct {
	orgID     int64
	companyID *int64
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	errs   []error
}

func (w *fakeWriter) PatchLastContext(_ context.Context, orgID int64, companyID *int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{orgID: orgID, companyID: companyID})
	if len(w.errs) == 0 {
		return nil
	}
	err := w.errs[0]
	w.errs = w.errs[1:]
	return err
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *fakeWriter) last() write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[len(w.writes)-1]
}

type logLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *logLines) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logLines) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	clock    *clock.Fake
	store    *contextstore.Store
	backend  *contextstore.MemoryBackend
	writer   *fakeWriter
	logger   *logLines
	recorder *telemetry.Recorder
	rec      *Reconciler
}

func newHarness(t *testing.T, role Role) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(time.UnixMilli(10000)),
		backend:  contextstore.NewMemoryBackend(),
		writer:   &fakeWriter{},
		logger:   &logLines{},
		recorder: telemetry.NewRecorder(32),
	}
	store, err := contextstore.NewStore(contextstore.StoreOptions{Backend: h.backend, Clock: h.clock})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	h.store = store
	h.rec = New(Options{
		Store:   store,
		Writer:  h.writer,
		Role:    role,
		Clock:   h.clock,
		Tracker: h.recorder,
		Logger:  h.logger,
	})
	t.Cleanup(h.rec.Stop)
	return h
}

func (h *harness) save(t *testing.T, org int64, company *int64) {
	t.Helper()
	if _, err := h.store.SaveContext(context.Background(), org, company); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestStartRequiresUserManagedRoleAndPreference(t *testing.T) {
	for _, role := range []Role{RoleEmployee, RoleAdministrativo, RoleClient, RoleGuest, RoleUnknown} {
		h := newHarness(t, role)
		if h.rec.Start() {
			t.Fatalf("expected %s not to start", role)
		}
		h.save(t, 5, nil)
		h.clock.Advance(time.Second)
		if h.writer.count() != 0 {
			t.Fatalf("expected no writes for %s", role)
		}
	}

	h := newHarness(t, RoleAdmin)
	disabled := New(Options{Store: h.store, Writer: h.writer, Role: RoleAdmin, RememberEnabled: func() bool { return false }})
	if disabled.Start() {
		t.Fatalf("expected reconciler not to start when remember is disabled")
	}
}

func TestDebouncedWriteUsesLatestChange(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	if !h.rec.Start() {
		t.Fatalf("expected reconciler to start")
	}
	h.save(t, 5, int64Ptr(1))
	h.clock.Advance(200 * time.Millisecond)
	h.save(t, 6, int64Ptr(2))
	h.clock.Advance(499 * time.Millisecond)
	if h.writer.count() != 0 {
		t.Fatalf("expected write to wait for debounce, got %d", h.writer.count())
	}
	h.clock.Advance(time.Millisecond)
	if h.writer.count() != 1 {
		t.Fatalf("expected exactly one write, got %d", h.writer.count())
	}
	if got := h.writer.last(); got.orgID != 6 || *got.companyID != 2 {
		t.Fatalf("expected latest context to be written, got %+v", got)
	}
}

func TestSyncedPairIsNotRewritten(t *testing.T) {
	h := newHarness(t, RoleSuperAdmin)
	h.rec.Start()
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)
	if h.writer.count() != 1 {
		t.Fatalf("expected unchanged pair to be skipped, got %d writes", h.writer.count())
	}
	h.save(t, 5, int64Ptr(3))
	h.clock.Advance(DefaultDebounce)
	if h.writer.count() != 2 {
		t.Fatalf("expected new pair to be written, got %d writes", h.writer.count())
	}
}

func TestReturningToSyncedPairCancelsPendingWrite(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.rec.Start()
	h.save(t, 5, int64Ptr(10))
	h.clock.Advance(DefaultDebounce)
	h.save(t, 7, int64Ptr(14))
	h.clock.Advance(100 * time.Millisecond)
	h.save(t, 5, int64Ptr(10))
	h.clock.Advance(DefaultDebounce)

	if h.writer.count() != 1 {
		t.Fatalf("expected only the first write, got %d", h.writer.count())
	}
	if got := h.writer.last(); got.orgID != 5 {
		t.Fatalf("expected profile to stay at org 5, got %+v", got)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no pending write, got %d", h.clock.Pending())
	}
}

func TestReturningToSyncedPairDuringWriteRewritesIt(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	var writes []write
	switched := false
	h.rec.writer = WriterFunc(func(_ context.Context, orgID int64, companyID *int64) error {
		writes = append(writes, write{orgID: orgID, companyID: companyID})
		if orgID == 7 && !switched {
			switched = true
			h.save(t, 5, int64Ptr(10))
		}
		return nil
	})
	h.rec.Start()
	h.save(t, 5, int64Ptr(10))
	h.clock.Advance(DefaultDebounce)
	h.save(t, 7, int64Ptr(14))
	h.clock.Advance(DefaultDebounce)
	h.clock.Advance(DefaultDebounce)

	if len(writes) != 3 {
		t.Fatalf("expected three writes, got %+v", writes)
	}
	if last := writes[len(writes)-1]; last.orgID != 5 || *last.companyID != 10 {
		t.Fatalf("expected profile to end at org 5, got %+v", last)
	}
}

func TestDuplicateFingerprintIgnored(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.rec.Start()
	record := &contextstore.Record{OrgID: 5, UpdatedAt: time.UnixMilli(9000)}
	h.rec.onChange(record)
	h.rec.onChange(record)
	h.rec.onChange(nil)
	if h.clock.Pending() != 1 {
		t.Fatalf("expected a single pending write, got %d", h.clock.Pending())
	}
	h.clock.Advance(DefaultDebounce)
	if h.writer.count() != 1 {
		t.Fatalf("expected one write, got %d", h.writer.count())
	}
}

func TestRateLimitStartsCooldown(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.writer.errs = []error{statusError(http.StatusTooManyRequests)}
	h.rec.Start()

	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)
	if h.writer.count() != 1 {
		t.Fatalf("expected first write, got %d", h.writer.count())
	}
	if !h.logger.contains("rate limited") {
		t.Fatalf("expected rate limit warning, got %v", h.logger.lines)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no automatic retry after 429")
	}

	h.save(t, 6, nil)
	h.clock.Advance(30 * time.Second)
	if h.writer.count() != 1 {
		t.Fatalf("expected write to wait out the cool-down, got %d", h.writer.count())
	}
	h.clock.Advance(30 * time.Second)
	if h.writer.count() != 2 {
		t.Fatalf("expected write once the cool-down ends, got %d", h.writer.count())
	}
	if got := h.writer.last(); got.orgID != 6 {
		t.Fatalf("expected org 6 to be written, got %+v", got)
	}
}

func TestForbiddenPurgesStoreSilently(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.writer.errs = []error{statusError(http.StatusForbidden)}
	h.rec.Start()

	notified := 0
	h.save(t, 5, nil)
	h.store.Subscribe(func(*contextstore.Record) { notified++ })
	h.clock.Advance(DefaultDebounce)

	if got := h.store.GetLocalContext(context.Background()); got != nil {
		t.Fatalf("expected store to be purged after 403, got %+v", got)
	}
	if notified != 0 {
		t.Fatalf("expected silent purge, got %d notifications", notified)
	}
	until := h.rec.CooldownUntil()
	if want := h.clock.Now().Add(DefaultForbiddenCooldown); !until.Equal(want) {
		t.Fatalf("expected cool-down until %v, got %v", want, until)
	}

	h.save(t, 7, nil)
	h.clock.Advance(4 * time.Minute)
	if h.writer.count() != 1 {
		t.Fatalf("expected no write during forbidden cool-down, got %d", h.writer.count())
	}
	h.clock.Advance(time.Minute)
	if h.writer.count() != 2 {
		t.Fatalf("expected write after forbidden cool-down, got %d", h.writer.count())
	}
}

func TestUnauthorizedIsSwallowed(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.writer.errs = []error{fmt.Errorf("patch: %w", statusError(http.StatusUnauthorized))}
	h.rec.Start()
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)

	if len(h.logger.lines) != 0 {
		t.Fatalf("expected unauthorized to be silent, got %v", h.logger.lines)
	}
	if got := h.store.GetLocalContext(context.Background()); got == nil {
		t.Fatalf("expected local context to survive unauthorized")
	}
	if !h.rec.CooldownUntil().IsZero() {
		t.Fatalf("expected no cool-down after unauthorized")
	}
}

func TestOtherFailuresAreLoggedAndRetriedOnNextChange(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.writer.errs = []error{errors.New("connection reset")}
	h.rec.Start()
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)

	if !h.logger.contains("connection reset") {
		t.Fatalf("expected failure to be logged, got %v", h.logger.lines)
	}
	if got := h.store.GetLocalContext(context.Background()); got == nil {
		t.Fatalf("expected local context to be untouched")
	}
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)
	if h.writer.count() != 2 {
		t.Fatalf("expected unsynced pair to be written again, got %d", h.writer.count())
	}
}

func TestStopCancelsPendingWrite(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.rec.Start()
	h.save(t, 5, nil)
	h.rec.Stop()
	h.clock.Advance(time.Second)
	if h.writer.count() != 0 {
		t.Fatalf("expected no write after stop, got %d", h.writer.count())
	}
	h.save(t, 6, nil)
	h.clock.Advance(time.Second)
	if h.writer.count() != 0 {
		t.Fatalf("expected no subscription after stop, got %d", h.writer.count())
	}
}

func TestStaleTimerAfterStopDoesNothing(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.rec.Start()
	h.rec.onChange(&contextstore.Record{OrgID: 5, UpdatedAt: time.UnixMilli(9000)})
	h.rec.mu.Lock()
	generation := h.rec.generation
	h.rec.mu.Unlock()
	h.rec.Stop()
	h.rec.flush(generation)
	if h.writer.count() != 0 {
		t.Fatalf("expected late timer to be ignored, got %d writes", h.writer.count())
	}
}

func TestSyncWritesAreTracked(t *testing.T) {
	h := newHarness(t, RoleAdmin)
	h.writer.errs = []error{nil, statusError(http.StatusTooManyRequests)}
	h.rec.Start()
	h.save(t, 5, nil)
	h.clock.Advance(DefaultDebounce)
	h.save(t, 6, nil)
	h.clock.Advance(DefaultDebounce)

	events := h.recorder.Drain()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].String(telemetry.PropStatus) != StatusOK || events[1].String(telemetry.PropStatus) != StatusRateLimited {
		t.Fatalf("unexpected statuses %+v", events)
	}
	if events[0].Name != telemetry.EventSyncWrite {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}
}

func TestParseRoleAndUserManaged(t *testing.T) {
	cases := map[string]Role{
		"SUPER_ADMIN_GLOBAL": RoleSuperAdminGlobal,
		"super_admin_org":    RoleSuperAdminOrg,
		" admin ":            RoleAdmin,
		"employee":           RoleEmployee,
		"ADMINISTRATIVO":     RoleAdministrativo,
		"client":             RoleClient,
		"guest":              RoleGuest,
		"owner":              RoleUnknown,
		"UNKNOWN":            RoleUnknown,
	}
	for raw, want := range cases {
		if got := ParseRole(raw); got != want {
			t.Fatalf("ParseRole(%q) = %s, want %s", raw, got, want)
		}
	}
	managed := map[Role]bool{
		RoleSuperAdminGlobal: true,
		RoleSuperAdminOrg:    true,
		RoleSuperAdmin:       true,
		RoleAdmin:            true,
		RoleEmployee:         false,
		RoleAdministrativo:   false,
		RoleClient:           false,
		RoleGuest:            false,
		RoleUnknown:          false,
	}
	for role, want := range managed {
		if got := ContextIsUserManaged(role); got != want {
			t.Fatalf("ContextIsUserManaged(%s) = %v, want %v", role, got, want)
		}
	}
}
