package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
	"github.com/agentworkforce/tenantsync/internal/contextstore"
	"github.com/agentworkforce/tenantsync/internal/telemetry"
)

const DefaultValidationCacheTTL = 10 * time.Second

// LocalStore is the part of contextstore.Store the service depends on.
type LocalStore interface {
	GetLocalContext(ctx context.Context) *contextstore.Record
	ClearContext(ctx context.Context, opts contextstore.ClearOptions) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store               LocalStore
	FetchRemoteContext  func(ctx context.Context) (*Candidate, error)
	FetchSessionContext func(ctx context.Context) (*Candidate, error)
	FetchSuggestion     func(ctx context.Context) (*Selection, error)
	ValidateContext     func(ctx context.Context, selection Selection) (Validation, error)
	IsRememberEnabled   func() bool
	// Prefetch warms tenant-scoped data after a successful restore. It runs in
	// its own goroutine and its error is only logged.
	Prefetch func(ctx context.Context, selection Selection) error

	Strategy           Strategy
	ValidationCacheTTL time.Duration
	Clock              clock.Clock
	Tracker            telemetry.Tracker
	Logger             Logger
}

type Service struct {
	store          LocalStore
	fetchRemote    func(ctx context.Context) (*Candidate, error)
	fetchSession   func(ctx context.Context) (*Candidate, error)
	fetchSuggested func(ctx context.Context) (*Selection, error)
	validate       func(ctx context.Context, selection Selection) (Validation, error)
	remember       func() bool
	prefetch       func(ctx context.Context, selection Selection) error

	strategy Strategy
	clock    clock.Clock
	tracker  telemetry.Tracker
	logger   Logger

	validations *validationCache
	prefetches  sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.ValidateContext == nil {
		return nil, errors.New("validate context collaborator is required")
	}
	strategy := opts.Strategy
	if strategy.Name == "" && len(strategy.Priority) == 0 {
		strategy = ResolveStrategy(StrategyControl)
	}
	if strategy.TTL <= 0 {
		return nil, fmt.Errorf("strategy %q: ttl must be positive", strategy.Name)
	}
	if len(strategy.Priority) == 0 {
		return nil, fmt.Errorf("strategy %q: priority must not be empty", strategy.Name)
	}
	cacheTTL := opts.ValidationCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultValidationCacheTTL
	}
	remember := opts.IsRememberEnabled
	if remember == nil {
		remember = func() bool { return true }
	}
	clk := clock.OrReal(opts.Clock)
	return &Service{
		store:          opts.Store,
		fetchRemote:    opts.FetchRemoteContext,
		fetchSession:   opts.FetchSessionContext,
		fetchSuggested: opts.FetchSuggestion,
		validate:       opts.ValidateContext,
		remember:       remember,
		prefetch:       opts.Prefetch,
		strategy:       strategy,
		clock:          clk,
		tracker:        opts.Tracker,
		logger:         opts.Logger,
		validations:    newValidationCache(clk, cacheTTL),
	}, nil
}

func (s *Service) Strategy() Strategy {
	return s.strategy
}

// Restore resolves the context to resume with. current is the caller's prior
// selection and is only used to report whether the outcome changed it.
func (s *Service) Restore(ctx context.Context, current *Selection) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := s.clock.Now()

	if !s.remember() {
		s.track(ctx, telemetry.EventRestoreSkipped, map[string]any{
			telemetry.PropReason: ReasonPreferenceDisabled,
		})
		return Result{Reason: ReasonPreferenceDisabled}
	}

	winner := s.pickFresh(s.collect(ctx))
	if winner == nil {
		winner = s.suggested(ctx)
	}
	if winner == nil {
		s.track(ctx, telemetry.EventRestoreFailure, map[string]any{
			telemetry.PropReason: ReasonNoContext,
		})
		return Result{Reason: ReasonNoContext}
	}

	validation, err := s.validateCached(ctx, winner.Selection)
	if err != nil {
		// Transport failure: hand back the candidate as-is and leave the
		// persisted record alone.
		logf(s.logger, "[tenant-context] validation unavailable for %s: %v", winner.Selection, err)
		s.track(ctx, telemetry.EventRestoreFailure, s.candidateProps(winner, map[string]any{
			telemetry.PropReason: ReasonValidationError,
			telemetry.PropError:  err.Error(),
		}))
		selection := winner.Selection.Clone()
		return Result{Selection: &selection, Source: winner.Source, Candidate: winner}
	}

	if !validation.IsValid {
		reason := validation.Reason
		if reason == "" {
			reason = ReasonInvalidContext
		}
		s.track(ctx, telemetry.EventRestoreFailure, s.candidateProps(winner, map[string]any{
			telemetry.PropReason: reason,
		}))
		if s.store != nil {
			if err := s.store.ClearContext(ctx, contextstore.ClearOptions{Silent: true}); err != nil {
				logf(s.logger, "[tenant-context] failed to clear rejected context: %v", err)
			}
		}
		return Result{Source: winner.Source, Reason: reason, Candidate: winner, Validation: &validation}
	}

	selection := winner.Selection.Clone()
	s.track(ctx, telemetry.EventRestoreSuccess, s.candidateProps(winner, map[string]any{
		telemetry.PropLatency: s.clock.Now().Sub(startedAt),
		telemetry.PropChanged: current == nil || !current.Equal(selection),
	}))
	s.startPrefetch(selection)
	return Result{Selection: &selection, Source: winner.Source, Candidate: winner, Validation: &validation}
}

// Wait blocks until prefetches started by Restore have finished.
func (s *Service) Wait() {
	s.prefetches.Wait()
}

func (s *Service) collect(ctx context.Context) []Candidate {
	var out []Candidate
	for _, source := range s.strategy.Priority {
		var candidate *Candidate
		switch source {
		case SourceLocal:
			candidate = s.localCandidate(ctx)
		case SourceRemote:
			candidate = s.fetch(ctx, source, s.fetchRemote)
		case SourceSession:
			candidate = s.fetch(ctx, source, s.fetchSession)
		default:
			continue
		}
		if candidate == nil || candidate.OrgID <= 0 {
			continue
		}
		candidate.Source = source
		out = append(out, *candidate)
	}
	return out
}

func (s *Service) localCandidate(ctx context.Context) *Candidate {
	if s.store == nil {
		return nil
	}
	record := s.store.GetLocalContext(ctx)
	if record == nil {
		return nil
	}
	return &Candidate{
		Selection: Selection{OrgID: record.OrgID, CompanyID: record.CompanyID},
		UpdatedAt: record.UpdatedAt,
		Source:    SourceLocal,
	}
}

func (s *Service) fetch(ctx context.Context, source Source, fn func(context.Context) (*Candidate, error)) *Candidate {
	if fn == nil {
		return nil
	}
	candidate, err := fn(ctx)
	if err != nil {
		logf(s.logger, "[tenant-context] %s context unavailable: %v", source, err)
		return nil
	}
	if candidate == nil {
		return nil
	}
	out := *candidate
	out.Selection = candidate.Selection.Clone()
	return &out
}

func (s *Service) suggested(ctx context.Context) *Candidate {
	if s.fetchSuggested == nil || !s.strategy.includes(SourceSuggested) {
		return nil
	}
	suggestion, err := s.fetchSuggested(ctx)
	if err != nil {
		logf(s.logger, "[tenant-context] suggested context unavailable: %v", err)
		return nil
	}
	if suggestion == nil || suggestion.OrgID <= 0 {
		return nil
	}
	return &Candidate{Selection: suggestion.Clone(), Source: SourceSuggested}
}

func (s *Service) isFresh(candidate Candidate, now time.Time) bool {
	if candidate.UpdatedAt.IsZero() {
		return false
	}
	if s.strategy.TTL == UnboundedTTL {
		return true
	}
	return now.Sub(candidate.UpdatedAt) <= s.strategy.TTL
}

func (s *Service) pickFresh(candidates []Candidate) *Candidate {
	now := s.clock.Now()
	var best *Candidate
	for i := range candidates {
		candidate := candidates[i]
		if !s.isFresh(candidate, now) {
			continue
		}
		if best == nil || s.better(candidate, *best) {
			picked := candidate
			best = &picked
		}
	}
	return best
}

// better reports whether a should win over b under the strategy.
func (s *Service) better(a, b Candidate) bool {
	rankA, rankB := s.strategy.rank(a.Source), s.strategy.rank(b.Source)
	if s.strategy.PreferPriority {
		return rankA < rankB
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return rankA < rankB
}

func (s *Service) validateCached(ctx context.Context, selection Selection) (Validation, error) {
	key := selection.String()
	if cached, ok := s.validations.get(key); ok {
		return cached, nil
	}
	validation, err := s.validate(ctx, selection.Clone())
	if err != nil {
		return Validation{}, err
	}
	if validation.IsValid {
		s.validations.set(key, validation)
	}
	return validation, nil
}

func (s *Service) startPrefetch(selection Selection) {
	if s.prefetch == nil {
		return
	}
	s.prefetches.Add(1)
	go func() {
		defer s.prefetches.Done()
		if err := s.prefetch(context.Background(), selection.Clone()); err != nil {
			logf(s.logger, "[tenant-context] prefetch for %s failed: %v", selection, err)
		}
	}()
}

func (s *Service) candidateProps(candidate *Candidate, extra map[string]any) map[string]any {
	props := map[string]any{
		telemetry.PropSource:    string(candidate.Source),
		telemetry.PropOrgID:     candidate.OrgID,
		telemetry.PropCompanyID: telemetry.OptionalID(candidate.CompanyID),
	}
	for key, value := range extra {
		props[key] = value
	}
	return props
}

func (s *Service) track(ctx context.Context, name string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	props[telemetry.PropVariant] = s.strategy.Name
	telemetry.Emit(ctx, s.tracker, telemetry.Event{
		Name:       name,
		Properties: props,
		OccurredAt: s.clock.Now(),
	})
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
