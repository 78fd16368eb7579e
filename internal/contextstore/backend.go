package contextstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Backend persists the single serialized context record. Load returns a nil
// payload when nothing is stored.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, payload []byte) error
	Remove(ctx context.Context) error
}

// WatchableBackend reports mutations made by other writers sharing the same
// storage. It is the fallback propagation path when no broadcaster delivers.
type WatchableBackend interface {
	Backend
	Watch(fn func(payload []byte)) (cancel func(), err error)
}

type backendCloser interface {
	Close() error
}

type MemoryBackend struct {
	mu       sync.Mutex
	payload  []byte
	watchers map[uint64]func([]byte)
	nextID   uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{watchers: map[uint64]func([]byte){}}
}

func (b *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBytes(b.payload), nil
}

func (b *MemoryBackend) Save(_ context.Context, payload []byte) error {
	if b == nil {
		return nil
	}
	b.replace(cloneBytes(payload))
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context) error {
	if b == nil {
		return nil
	}
	b.replace(nil)
	return nil
}

func (b *MemoryBackend) Watch(fn func(payload []byte)) (func(), error) {
	if b == nil || fn == nil {
		return func() {}, ErrInvalidInput
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.watchers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBackend) replace(payload []byte) {
	b.mu.Lock()
	changed := !bytes.Equal(b.payload, payload)
	b.payload = payload
	watchers := make([]func([]byte), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	b.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range watchers {
		fn(cloneBytes(payload))
	}
}

// JSONFileBackend stores the record as a JSON file, replaced atomically.
type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(_ context.Context) ([]byte, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

func (b *JSONFileBackend) Save(_ context.Context, payload []byte) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, payload, 0o600)
}

func (b *JSONFileBackend) Remove(_ context.Context) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch observes the parent directory, since atomic replacement swaps the
// file's inode and a watch on the file itself would be lost.
func (b *JSONFileBackend) Watch(fn func(payload []byte)) (func(), error) {
	if b == nil || strings.TrimSpace(b.Path) == "" || fn == nil {
		return func() {}, ErrInvalidInput
	}
	target := filepath.Clean(b.Path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return func() {}, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return func() {}, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				payload, err := b.Load(context.Background())
				if err != nil {
					continue
				}
				fn(payload)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Close()
			<-done
		})
	}, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
