package contextstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "tenantsync/context/"

// BadgerBackend stores the record in an embedded badger database. Badger holds
// an exclusive directory lock, so one database serves one process.
type BadgerBackend struct {
	dir      string
	inMemory bool
	key      []byte

	initOnce sync.Once
	initErr  error
	db       *badger.DB
}

func NewBadgerBackend(dir string) (*BadgerBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &BadgerBackend{
		dir: dir,
		key: []byte(badgerKeyPrefix + postgresRecordKey),
	}, nil
}

// NewInMemoryBadgerBackend opens a non-persistent badger instance.
func NewInMemoryBadgerBackend() *BadgerBackend {
	return &BadgerBackend{
		inMemory: true,
		key:      []byte(badgerKeyPrefix + postgresRecordKey),
	}
}

func (b *BadgerBackend) WithRecordKey(key string) *BadgerBackend {
	if b != nil && strings.TrimSpace(key) != "" {
		b.key = []byte(badgerKeyPrefix + strings.TrimSpace(key))
	}
	return b
}

func (b *BadgerBackend) Load(_ context.Context) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (b *BadgerBackend) Save(_ context.Context, payload []byte) error {
	if b == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key, cloneBytes(payload))
	})
}

func (b *BadgerBackend) Remove(_ context.Context) error {
	if b == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key)
	})
}

func (b *BadgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		opts := badger.DefaultOptions(b.dir).WithLoggingLevel(badger.ERROR)
		if b.inMemory {
			opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
		}
		db, err := badger.Open(opts)
		if err != nil {
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
