// Package database persists download history in a local bitcask store.
package database

import (
	"errors"
	"fmt"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a key is not found in the database.
	ErrNotFound = errors.New("key not found")
	// ErrDatabaseClosed is returned for operations on a closed database.
	ErrDatabaseClosed = errors.New("database is closed")
)

// maxValueSize bounds stored values. Task snapshots carry full model
// metadata, which can exceed bitcask's 64 KiB default.
const maxValueSize = 1 << 20

// DB wraps a bitcask datastore and provides helper methods.
type DB struct {
	db        *bitcask.Bitcask
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Open initializes and returns a DB instance rooted at path. The
// directory is created when missing.
func Open(path string) (*DB, error) {
	db, err := bitcask.Open(path,
		bitcask.WithMaxValueSize(maxValueSize),
		bitcask.WithSync(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	log.Infof("Database opened successfully at %s", path)
	return &DB{db: db}, nil
}

// Get retrieves the value associated with a key.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrDatabaseClosed
	}

	value, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", string(key), err)
	}
	return value, nil
}

// Put stores a value under a key, replacing any previous value.
func (d *DB) Put(key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}

	if err := d.db.Put(key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", string(key), err)
	}
	return nil
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	return d.db.Has(key)
}

// Delete removes a key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}

	if err := d.db.Delete(key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", string(key), err)
	}
	return nil
}

// Fold calls fn for every key in the database. Returning an error from
// fn stops the iteration and is passed through.
func (d *DB) Fold(fn func(key []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	return d.db.Fold(fn)
}

// Len returns the number of stored keys.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0
	}
	return d.db.Len()
}

// Close safely closes the datastore.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		log.Info("Closing database...")
		d.mu.Lock()
		defer d.mu.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true

		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		} else {
			log.Info("Database closed successfully.")
		}
	})

	return d.closeErr
}
