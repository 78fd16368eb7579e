package contextstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidRecord     = errors.New("invalid context record")
	ErrNotImplemented    = errors.New("not implemented")
	ErrBroadcasterClosed = errors.New("broadcaster closed")
)

const (
	DefaultCacheTTL = 10 * time.Second
	DefaultHardTTL  = 30 * 24 * time.Hour
)

type Logger interface {
	Printf(format string, args ...any)
}

// Listener receives the current record, or nil after a clear.
type Listener func(*Record)

type ClearOptions struct {
	// Silent skips local notification and propagation.
	Silent bool
}

type StoreOptions struct {
	Backend     Backend
	Broadcaster Broadcaster
	Clock       clock.Clock
	CacheTTL    time.Duration
	HardTTL     time.Duration
	Logger      Logger
}

// Store owns the locally persisted tenant context of one participant. Several
// stores sharing a backend and a broadcaster channel behave like browser tabs
// of the same origin.
type Store struct {
	backend     Backend
	broadcaster Broadcaster
	clock       clock.Clock
	cacheTTL    time.Duration
	hardTTL     time.Duration
	logger      Logger

	mu        sync.Mutex
	cache     *cacheEntry
	userHint  int64
	observed  []byte
	lastWrite time.Time
	listeners map[uint64]Listener
	nextID    uint64
	started   bool
	stops     []func()
}

type cacheEntry struct {
	value     *Record
	expiresAt time.Time
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	hardTTL := opts.HardTTL
	if hardTTL <= 0 {
		hardTTL = DefaultHardTTL
	}
	return &Store{
		backend:     opts.Backend,
		broadcaster: opts.Broadcaster,
		clock:       clock.OrReal(opts.Clock),
		cacheTTL:    cacheTTL,
		hardTTL:     hardTTL,
		logger:      opts.Logger,
		listeners:   map[uint64]Listener{},
	}, nil
}

// Start attaches the store to its propagation paths. It is safe to call more
// than once.
func (s *Store) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	var stops []func()
	if s.broadcaster != nil {
		stops = append(stops, s.broadcaster.Subscribe(s.handleMessage))
	}
	if watchable, ok := s.backend.(WatchableBackend); ok {
		cancel, err := watchable.Watch(s.handleExternalWrite)
		if err != nil {
			logf(s.logger, "[tenant-context] storage watch unavailable: %v", err)
		} else {
			stops = append(stops, cancel)
		}
	}

	s.mu.Lock()
	s.stops = stops
	s.mu.Unlock()
	return nil
}

// Close detaches the store from its propagation paths. The broadcaster and
// backend stay open; they belong to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.started = false
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	return nil
}

// SetUserHint binds future stamps to userID; zero means anonymous. Existing
// records are left alone and fail validation on the next read.
func (s *Store) SetUserHint(userID int64) {
	if userID < 0 {
		userID = 0
	}
	s.mu.Lock()
	if s.userHint != userID {
		s.userHint = userID
		s.cache = nil
	}
	s.mu.Unlock()
}

func (s *Store) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// GetLocalContext returns the persisted record, or nil when it is missing,
// malformed, expired, or stamped for another identity. Rejected records are
// purged silently.
func (s *Store) GetLocalContext(ctx context.Context) *Record {
	now := s.clock.Now()
	s.mu.Lock()
	if s.cache != nil && now.Before(s.cache.expiresAt) {
		if s.cache.value == nil || !s.isExpired(s.cache.value, now) {
			value := s.cache.value.clone()
			s.mu.Unlock()
			return value
		}
		s.cache = nil
	}
	hint := s.userHint
	s.mu.Unlock()

	payload, err := s.backend.Load(ctx)
	if err != nil {
		logf(s.logger, "[tenant-context] unable to read cached context: %v", err)
		payload = nil
	}

	var record *Record
	purge := false
	if payload != nil {
		decoded, decodeErr := DecodeRecord(payload)
		switch {
		case decodeErr != nil:
			logf(s.logger, "[tenant-context] discarding cached context: %v", decodeErr)
			purge = true
		case s.isExpired(decoded, now):
			purge = true
		case !decoded.hasValidStamp(hint):
			purge = true
		default:
			record = decoded
		}
	}

	if purge {
		if err := s.ClearContext(ctx, ClearOptions{Silent: true}); err != nil {
			logf(s.logger, "[tenant-context] failed to purge cached context: %v", err)
		}
		return nil
	}

	s.mu.Lock()
	if err == nil {
		s.observed = cloneBytes(payload)
	}
	s.cache = &cacheEntry{value: record, expiresAt: now.Add(s.cacheTTL)}
	s.mu.Unlock()
	return record.clone()
}

// SaveContext replaces the persisted record and propagates it. UpdatedAt is
// strictly increasing across writes from this store.
func (s *Store) SaveContext(ctx context.Context, orgID int64, companyID *int64) (*Record, error) {
	if orgID <= 0 {
		return nil, fmt.Errorf("%w: org id must be positive", ErrInvalidInput)
	}
	now := s.clock.Now()
	updatedAt := time.UnixMilli(now.UnixMilli())

	s.mu.Lock()
	if !updatedAt.After(s.lastWrite) {
		updatedAt = s.lastWrite.Add(time.Millisecond)
	}
	record := &Record{
		OrgID:          orgID,
		CompanyID:      cloneInt64(companyID),
		UpdatedAt:      updatedAt,
		Version:        RecordVersion,
		IntegrityStamp: IntegrityStamp(orgID, companyID, s.userHint),
	}
	payload, err := encodeRecord(record)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	previousObserved := s.observed
	s.observed = payload
	s.mu.Unlock()

	if err := s.backend.Save(ctx, payload); err != nil {
		s.mu.Lock()
		if bytes.Equal(s.observed, payload) {
			s.observed = previousObserved
		}
		s.mu.Unlock()
		logf(s.logger, "[tenant-context] unable to persist context: %v", err)
		return nil, fmt.Errorf("persist tenant context: %w", err)
	}

	s.mu.Lock()
	s.lastWrite = updatedAt
	s.cache = &cacheEntry{value: record, expiresAt: now.Add(s.cacheTTL)}
	s.mu.Unlock()

	s.emit(record)
	s.broadcast(ctx, record)
	return record.clone(), nil
}

func (s *Store) ClearContext(ctx context.Context, opts ClearOptions) error {
	now := s.clock.Now()
	s.mu.Lock()
	s.cache = &cacheEntry{value: nil, expiresAt: now.Add(s.cacheTTL)}
	s.observed = nil
	s.mu.Unlock()

	err := s.backend.Remove(ctx)
	if err != nil {
		logf(s.logger, "[tenant-context] failed to clear cache: %v", err)
		err = fmt.Errorf("clear tenant context: %w", err)
	}

	if !opts.Silent {
		s.emit(nil)
		s.broadcast(ctx, nil)
	}
	return err
}

func (s *Store) handleMessage(msg Message) {
	if msg.Type != MessageContextChanged {
		return
	}
	record := msg.Context
	if record != nil && (record.OrgID <= 0 || record.UpdatedAt.IsZero()) {
		record = nil
	}
	// Relay channels can be shared across identities; only records stamped
	// for this store's user are taken.
	if record != nil && !record.hasValidStamp(s.hint()) {
		return
	}
	payload, err := encodeRecord(record)
	if err != nil {
		return
	}
	s.accept(record, payload)
}

func (s *Store) handleExternalWrite(payload []byte) {
	s.mu.Lock()
	seen := bytes.Equal(s.observed, payload)
	s.mu.Unlock()
	if seen {
		return
	}
	var record *Record
	if payload != nil {
		decoded, err := DecodeRecord(payload)
		if err == nil && decoded.hasValidStamp(s.hint()) {
			record = decoded
		}
	}
	s.accept(record, payload)
}

func (s *Store) hint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userHint
}

// accept applies a change that originated elsewhere. It never re-broadcasts.
func (s *Store) accept(record *Record, payload []byte) {
	now := s.clock.Now()
	if record != nil && s.isExpired(record, now) {
		if err := s.ClearContext(context.Background(), ClearOptions{Silent: true}); err != nil {
			logf(s.logger, "[tenant-context] failed to purge expired context: %v", err)
		}
		return
	}

	s.mu.Lock()
	var previous *Record
	known := s.cache != nil
	if known {
		previous = s.cache.value
	}
	s.cache = &cacheEntry{value: record, expiresAt: now.Add(s.cacheTTL)}
	s.observed = cloneBytes(payload)
	s.mu.Unlock()

	if known && previous.equal(record) {
		return
	}
	s.emit(record)
}

func (s *Store) emit(record *Record) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()
	for _, listener := range listeners {
		s.notify(listener, record.clone())
	}
}

func (s *Store) notify(listener Listener, record *Record) {
	defer func() {
		if r := recover(); r != nil {
			logf(s.logger, "[tenant-context] listener error: %v", r)
		}
	}()
	listener(record)
}

func (s *Store) broadcast(ctx context.Context, record *Record) {
	if s.broadcaster == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msg := Message{Type: MessageContextChanged, Context: record.clone()}
	if err := s.broadcaster.Publish(ctx, msg); err != nil {
		logf(s.logger, "[tenant-context] broadcast failed: %v", err)
	}
}

func (s *Store) isExpired(record *Record, now time.Time) bool {
	return now.Sub(record.UpdatedAt) > s.hardTTL
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
