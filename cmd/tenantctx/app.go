package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/config"
	"github.com/agentworkforce/tenantsync/internal/contextstore"
	"github.com/agentworkforce/tenantsync/internal/profileapi"
	"github.com/agentworkforce/tenantsync/internal/reconciler"
	"github.com/agentworkforce/tenantsync/internal/restore"
	"github.com/agentworkforce/tenantsync/internal/telemetry"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// userNamespace derives stable activity-feed IDs from numeric backend user IDs.
var userNamespace = uuid.MustParse("6f1c7d2a-52b4-4c61-9f0e-7a3c1e0b9d45")

type appOptions struct {
	Session     *restore.Selection
	ActivityLog string
	Registry    *prometheus.Registry
	Recorder    *telemetry.Recorder
}

// app holds one participant: a store, its propagation, the profile client and
// the telemetry fan-out.
type app struct {
	cfg         *config.Config
	logger      *log.Logger
	backend     contextstore.Backend
	broadcaster contextstore.Broadcaster
	store       *contextstore.Store
	client      *profileapi.Client
	registry    *prometheus.Registry
	tracker     telemetry.Tracker
	session     *restore.Candidate
	closers     []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: opts.Registry}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}

	backend, err := contextstore.BuildBackendFromDSN(cfg.Store.Backend)
	if err != nil {
		return nil, fmt.Errorf("store backend: %w", err)
	}
	a.backend = backend
	a.closers = append(a.closers, func() error { return contextstore.CloseBackend(backend) })

	if cfg.Broadcast.RelayURL != "" {
		broadcaster, err := contextstore.DialBroadcaster(ctx, cfg.Broadcast.RelayURL, cfg.Broadcast.Channel, logger)
		if err != nil {
			// Backend watching still propagates changes between participants
			// sharing a file or memory backend.
			logger.Printf("relay unavailable, continuing without broadcast: %v", err)
		} else {
			a.broadcaster = broadcaster
			a.closers = append(a.closers, broadcaster.Close)
		}
	}

	a.client = profileapi.NewClient(profileapi.ClientOptions{
		BaseURL:           cfg.API.BaseURL,
		Token:             cfg.API.Token,
		HTTPClient:        &http.Client{Timeout: cfg.API.Timeout},
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		MaxRetries:        cfg.API.MaxRetries,
	})

	store, err := contextstore.NewStore(contextstore.StoreOptions{
		Backend:     backend,
		Broadcaster: a.broadcaster,
		CacheTTL:    cfg.Store.CacheTTL,
		HardTTL:     cfg.Store.HardTTL,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	userID, hasUser := profileapi.UserIDFromToken(cfg.API.Token)
	if hasUser {
		store.SetUserHint(userID)
	}
	if err := store.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("start store: %w", err)
	}
	a.store = store
	a.closers = append([]func() error{store.Close}, a.closers...)

	trackers := []telemetry.Tracker{}
	if opts.Recorder != nil {
		trackers = append(trackers, opts.Recorder)
	}
	if cfg.Metrics.Enabled {
		trackers = append(trackers, telemetry.NewMetrics(a.registry))
	}
	if opts.ActivityLog != "" {
		sink, err := openActivityLog(opts.ActivityLog)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		tracker := telemetry.ActivityTracker{Sink: sink, Logger: logger}
		if hasUser {
			id := uuid.NewSHA1(userNamespace, []byte(strconv.FormatInt(userID, 10)))
			tracker.ActorID = id
			tracker.UserID = id
		}
		trackers = append(trackers, tracker)
	}
	a.tracker = telemetry.Multi(trackers...)

	if opts.Session != nil {
		a.session = &restore.Candidate{
			Selection: opts.Session.Clone(),
			UpdatedAt: time.Now(),
			Source:    restore.SourceSession,
		}
	}
	return a, nil
}

// Close releases the store first, then its propagation paths and backend.
func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Printf("close: %v", err)
		}
	}
	a.closers = nil
}

func (a *app) restoreService() (*restore.Service, error) {
	return restore.NewService(restore.Options{
		Store:              a.store,
		FetchRemoteContext: a.client.FetchRemoteContext,
		FetchSessionContext: func(context.Context) (*restore.Candidate, error) {
			if a.session == nil {
				return nil, nil
			}
			candidate := *a.session
			return &candidate, nil
		},
		FetchSuggestion:    a.client.FetchSuggestion,
		ValidateContext:    a.client.ValidateContext,
		IsRememberEnabled:  func() bool { return a.cfg.Restore.Remember },
		Strategy:           a.cfg.Strategy(),
		ValidationCacheTTL: a.cfg.Restore.ValidationCacheTTL,
		Tracker:            a.tracker,
		Logger:             a.logger,
	})
}

// restore resolves the context and persists the winner locally so later runs
// and other participants see it.
func (a *app) restore(ctx context.Context) (restore.Result, error) {
	service, err := a.restoreService()
	if err != nil {
		return restore.Result{}, err
	}
	var current *restore.Selection
	if record := a.store.GetLocalContext(ctx); record != nil {
		current = &restore.Selection{OrgID: record.OrgID, CompanyID: record.CompanyID}
	}
	result := service.Restore(ctx, current)
	service.Wait()
	if result.Selection == nil {
		return result, nil
	}
	if result.Source == restore.SourceLocal {
		return result, nil
	}
	if _, err := a.store.SaveContext(ctx, result.Selection.OrgID, result.Selection.CompanyID); err != nil {
		return result, fmt.Errorf("persist restored context: %w", err)
	}
	return result, nil
}

func (a *app) switchTo(ctx context.Context, selection restore.Selection) (*contextstore.Record, error) {
	return a.store.SaveContext(ctx, selection.OrgID, selection.CompanyID)
}

func (a *app) clear(ctx context.Context) error {
	return a.store.ClearContext(ctx, contextstore.ClearOptions{})
}

func (a *app) newReconciler() *reconciler.Reconciler {
	return reconciler.New(reconciler.Options{
		Store:             a.store,
		Writer:            a.client,
		Role:              a.cfg.Role(),
		RememberEnabled:   func() bool { return a.cfg.Restore.Remember },
		Debounce:          a.cfg.Sync.Debounce,
		RateLimitCooldown: a.cfg.Sync.RateLimitCooldown,
		ForbiddenCooldown: a.cfg.Sync.ForbiddenCooldown,
		WriteTimeout:      a.cfg.Sync.WriteTimeout,
		Tracker:           a.tracker,
		Logger:            a.logger,
	})
}

// watch restores once, then mirrors local changes to the profile until ctx
// ends. With revalidate > 0 the restore is repeated on that cadence.
func (a *app) watch(ctx context.Context, revalidate time.Duration, jitter float64) error {
	result, err := a.restore(ctx)
	if err != nil {
		return err
	}
	a.logger.Printf("restored %s", describeResult(result))

	rec := a.newReconciler()
	if rec.Start() {
		defer rec.Stop()
		a.logger.Printf("write-back enabled for role %s", a.cfg.Role())
	} else {
		a.logger.Printf("write-back disabled for role %s", a.cfg.Role())
	}
	unsubscribe := a.store.Subscribe(func(record *contextstore.Record) {
		a.logger.Printf("context changed: %s", describeRecord(record))
	})
	defer unsubscribe()

	if revalidate <= 0 {
		<-ctx.Done()
		return nil
	}
	timer := time.NewTimer(jitteredInterval(revalidate, jitter, randomSample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			result, err := a.restore(ctx)
			if err != nil {
				a.logger.Printf("revalidation failed: %v", err)
			} else if result.Reason != "" {
				a.logger.Printf("revalidation: %s", describeResult(result))
			}
			timer.Reset(jitteredInterval(revalidate, jitter, randomSample()))
		}
	}
}

// relayHandler serves the broadcast relay under /sync and, when enabled, the
// Prometheus registry.
func relayHandler(cfg *config.Config, registry *prometheus.Registry, logger *log.Logger) (http.Handler, *contextstore.Relay) {
	relay := contextstore.NewRelay(logger)
	mux := http.NewServeMux()
	mux.Handle("/sync", relay)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	return mux, relay
}

func serveRelay(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("tenantctx relay listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// parseSelection reads "org" or "org:company".
func parseSelection(raw string) (restore.Selection, error) {
	raw = strings.TrimSpace(raw)
	orgPart, companyPart, hasCompany := strings.Cut(raw, ":")
	orgID, err := strconv.ParseInt(strings.TrimSpace(orgPart), 10, 64)
	if err != nil || orgID <= 0 {
		return restore.Selection{}, fmt.Errorf("invalid org in %q", raw)
	}
	selection := restore.Selection{OrgID: orgID}
	if hasCompany {
		companyPart = strings.TrimSpace(companyPart)
		if companyPart == "" || companyPart == "null" {
			return selection, nil
		}
		companyID, err := strconv.ParseInt(companyPart, 10, 64)
		if err != nil || companyID <= 0 {
			return restore.Selection{}, fmt.Errorf("invalid company in %q", raw)
		}
		selection.CompanyID = &companyID
	}
	return selection, nil
}

func describeResult(result restore.Result) string {
	if result.Selection == nil {
		if result.Source != "" {
			return fmt.Sprintf("no context (%s, from %s)", result.Reason, result.Source)
		}
		return fmt.Sprintf("no context (%s)", result.Reason)
	}
	return fmt.Sprintf("%s from %s", result.Selection.String(), result.Source)
}

func describeRecord(record *contextstore.Record) string {
	if record == nil {
		return "cleared"
	}
	selection := restore.Selection{OrgID: record.OrgID, CompanyID: record.CompanyID}
	return fmt.Sprintf("%s at %s", selection.String(), record.UpdatedAt.UTC().Format(time.RFC3339))
}

// activityLog is a go-users activity sink appending one JSON record per line.
type activityLog struct {
	mu   sync.Mutex
	file *os.File
}

func openActivityLog(path string) (*activityLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	return &activityLog{file: file}, nil
}

func (l *activityLog) Log(_ context.Context, record usertypes.ActivityRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.file.Write(append(line, '\n'))
	return err
}

func (l *activityLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
