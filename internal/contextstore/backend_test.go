package contextstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/tenantsync/internal/clock"
)

func TestBuildBackendFromDSNEmpty(t *testing.T) {
	backend, err := BuildBackendFromDSN("  ")
	if err != nil {
		t.Fatalf("expected no error for empty dsn, got %v", err)
	}
	if backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %T", backend)
	}
}

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}
	ctx := context.Background()
	if err := backend.Save(ctx, []byte(`{"orgId":1}`)); err != nil {
		t.Fatalf("memory save failed: %v", err)
	}
	payload, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("memory load failed: %v", err)
	}
	if string(payload) != `{"orgId":1}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "context.json")
	for _, dsn := range []string{"file://" + path, path} {
		backend, err := BuildBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build file backend from %q failed: %v", dsn, err)
		}
		fileBackend, ok := backend.(*JSONFileBackend)
		if !ok {
			t.Fatalf("expected *JSONFileBackend, got %T", backend)
		}
		if fileBackend.Path != path {
			t.Fatalf("expected path %q, got %q", path, fileBackend.Path)
		}
	}
}

func TestBuildBackendFromDSNPostgres(t *testing.T) {
	backend, err := BuildBackendFromDSN("postgres://localhost/tenantsync?sslmode=disable&record_key=user-7")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	pg, ok := backend.(*PostgresBackend)
	if !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}
	if pg.recordKey != "user-7" {
		t.Fatalf("expected record key user-7, got %q", pg.recordKey)
	}
}

func TestBuildBackendFromDSNBadgerInMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("badger://?inmemory=true")
	if err != nil {
		t.Fatalf("build badger backend failed: %v", err)
	}
	t.Cleanup(func() { _ = CloseBackend(backend) })
	if _, ok := backend.(*BadgerBackend); !ok {
		t.Fatalf("expected *BadgerBackend, got %T", backend)
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildBackendFromDSN("mysql://localhost/tenantsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("ftp://localhost/context"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisterBackendFactoryOverridesScheme(t *testing.T) {
	custom := NewMemoryBackend()
	RegisterBackendFactory("Custom-Test", func(dsn string) (Backend, error) {
		return custom, nil
	})
	backend, err := BuildBackendFromDSN("custom-test://anything")
	if err != nil {
		t.Fatalf("build registered backend failed: %v", err)
	}
	if backend != custom {
		t.Fatalf("expected registered factory result, got %T", backend)
	}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "context.json")
	backend := NewJSONFileBackend(path)
	ctx := context.Background()

	payload, err := backend.Load(ctx)
	if err != nil || payload != nil {
		t.Fatalf("expected empty initial load, got %s / %v", payload, err)
	}
	if err := backend.Save(ctx, []byte(`{"orgId":5}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	payload, err = backend.Load(ctx)
	if err != nil || string(payload) != `{"orgId":5}` {
		t.Fatalf("unexpected load result %s / %v", payload, err)
	}
	if err := backend.Remove(ctx); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := backend.Remove(ctx); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestJSONFileBackendWatchPropagatesBetweenStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	clk := clock.NewFake(time.UnixMilli(10000))
	writer := newTestStore(t, NewJSONFileBackend(path), nil, clk)
	reader := newTestStore(t, NewJSONFileBackend(path), nil, clk)

	seen := make(chan *Record, 8)
	reader.Subscribe(func(r *Record) { seen <- r })

	if _, err := writer.SaveContext(context.Background(), 12, int64Ptr(4)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case record := <-seen:
			if record != nil && record.OrgID == 12 {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for file change to reach the peer store")
		}
	}
}

func TestBadgerBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewBadgerBackend(dir)
	if err != nil {
		t.Fatalf("new badger backend failed: %v", err)
	}
	if payload, err := first.Load(ctx); err != nil || payload != nil {
		t.Fatalf("expected empty initial load, got %s / %v", payload, err)
	}
	if err := first.Save(ctx, []byte(`{"orgId":8}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := NewBadgerBackend(dir)
	if err != nil {
		t.Fatalf("reopen badger backend failed: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	payload, err := second.Load(ctx)
	if err != nil || string(payload) != `{"orgId":8}` {
		t.Fatalf("unexpected payload after reopen %s / %v", payload, err)
	}
	if err := second.Remove(ctx); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if payload, _ := second.Load(ctx); payload != nil {
		t.Fatalf("expected nil payload after remove, got %s", payload)
	}
}

func TestBadgerBackendKeysAreIsolated(t *testing.T) {
	backend := NewInMemoryBadgerBackend()
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()
	if err := backend.Save(ctx, []byte(`{"orgId":1}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	other := &BadgerBackend{key: []byte(badgerKeyPrefix + "other")}
	other.db = backend.db
	other.initOnce.Do(func() {})
	if payload, err := other.Load(ctx); err != nil || payload != nil {
		t.Fatalf("expected other key to be empty, got %s / %v", payload, err)
	}
}

func TestStoreOverBadgerBackend(t *testing.T) {
	backend := NewInMemoryBadgerBackend()
	t.Cleanup(func() { _ = backend.Close() })
	store := newTestStore(t, backend, nil, clock.NewFake(time.UnixMilli(10000)))
	ctx := context.Background()
	if _, err := store.SaveContext(ctx, 2, nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	store.mu.Lock()
	store.cache = nil
	store.mu.Unlock()
	if got := store.GetLocalContext(ctx); got == nil || got.OrgID != 2 {
		t.Fatalf("expected record from badger, got %+v", got)
	}
}
