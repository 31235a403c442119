package store

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"go.etcd.io/bbolt"
)

// ErrKeyNotFound is returned by Backend implementations when a key is absent.
var ErrKeyNotFound = errors.New("key not found")

// Backend is the underlying KV storage. JSON serialization of the values is
// the caller's responsibility.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Close() error
}

// LevelDBBackend stores data in a LevelDB database.
type LevelDBBackend struct {
	db *leveldb.DB
}

// NewLevelDBBackend returns a ready to use LevelDB backend, recovering the
// database file if it is found corrupted.
func NewLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

// Get implements the Backend interface.
func (b *LevelDBBackend) Get(key []byte) ([]byte, error) {
	value, err := b.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Put implements the Backend interface.
func (b *LevelDBBackend) Put(key, value []byte) error {
	return b.db.Put(key, value, nil)
}

// Delete implements the Backend interface.
func (b *LevelDBBackend) Delete(key []byte) error {
	return b.db.Delete(key, nil)
}

// Close implements the Backend interface.
func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}

// boltBucket is the single bucket all underwriter data lives in.
var boltBucket = []byte("DB")

// BoltDBBackend stores data in a BoltDB file.
type BoltDBBackend struct {
	db *bbolt.DB
}

// NewBoltDBBackend returns a ready to use BoltDB backend with the bucket
// created.
func NewBoltDBBackend(fileName string) (*BoltDBBackend, error) {
	if err := os.MkdirAll(path.Dir(fileName), os.ModePerm); err != nil {
		return nil, fmt.Errorf("could not create dir for boltdb: %w", err)
	}
	db, err := bbolt.Open(fileName, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not create root bucket: %w", err)
	}
	return &BoltDBBackend{db: db}, nil
}

// Get implements the Backend interface.
func (b *BoltDBBackend) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = append(value, v...)
		return nil
	})
	return value, err
}

// Put implements the Backend interface.
func (b *BoltDBBackend) Put(key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

// Delete implements the Backend interface.
func (b *BoltDBBackend) Delete(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

// Close implements the Backend interface.
func (b *BoltDBBackend) Close() error {
	return b.db.Close()
}

// MemoryBackend is an in-memory Backend used in tests and single-process
// setups without persistence.
type MemoryBackend struct {
	mtx  sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get implements the Backend interface.
func (b *MemoryBackend) Get(key []byte) ([]byte, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	value, ok := b.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put implements the Backend interface.
func (b *MemoryBackend) Put(key, value []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete implements the Backend interface.
func (b *MemoryBackend) Delete(key []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.data, string(key))
	return nil
}

// Close implements the Backend interface.
func (b *MemoryBackend) Close() error {
	return nil
}
