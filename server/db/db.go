// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db provides the persistent store for the bridge's verification
// core. It wraps a badger key-value database behind a minimal transactional
// Store interface, so every state machine commits its record writes
// atomically: either a mutation's full set of keys lands, or none of it does.
package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"qcbridge.org/qcbridge/bridge"
)

// ErrKeyNotFound is an alias for badger.ErrKeyNotFound so that callers don't
// have to import badger for the semantics. Either error satisfies errors.Is
// the same.
var ErrKeyNotFound = badger.ErrKeyNotFound

// Tx is the view of a store transaction available to record codecs.
type Tx interface {
	// Put stages a key-value pair. The write is visible to later reads in
	// the same transaction and durable only if the transaction commits.
	Put(k, v []byte) error
	// Get retrieves the value for a key, or ErrKeyNotFound.
	Get(k []byte) ([]byte, error)
	// Delete stages removal of a key.
	Delete(k []byte) error
	// Iterate visits every key-value pair with the prefix, in key order.
	Iterate(prefix []byte, f func(k, v []byte) error) error
}

// Store is the transactional interface the state machines persist through.
type Store interface {
	// Update runs f in a read-write transaction, committing iff f returns
	// nil.
	Update(f func(tx Tx) error) error
	// View runs f in a read-only transaction.
	View(f func(tx Tx) error) error
}

// DB is a badger-backed Store.
type DB struct {
	*badger.DB
	log bridge.Logger
	wg  sync.WaitGroup
}

// Config is the configuration settings for the DB.
type Config struct {
	Path string
	Log  bridge.Logger
}

// New constructs a new DB. The returned DB is not yet running garbage
// collection. Use Run.
func New(cfg *Config) (*DB, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(&badgerLoggerWrapper{cfg.Log})
	bdb, err := badger.Open(opts)
	if errors.Is(err, badger.ErrTruncateNeeded) {
		// Probably a Windows thing.
		// https://github.com/dgraph-io/badger/issues/744
		cfg.Log.Warnf("Error opening badger db: %v", err)
		opts.Truncate = true
		cfg.Log.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		bdb, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	return &DB{
		DB:  bdb,
		log: cfg.Log,
	}, nil
}

// Run starts the value-log garbage collection loop and closes the DB when
// the context is canceled.
func (db *DB) Run(ctx context.Context) {
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := db.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					db.log.Errorf("garbage collection error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	db.wg.Wait()
	if err := db.Close(); err != nil {
		db.log.Errorf("shutdown error: %v", err)
	}
}

// badgerTx adapts *badger.Txn to Tx.
type badgerTx struct {
	txn *badger.Txn
}

func (tx *badgerTx) Put(k, v []byte) error {
	return tx.txn.Set(k, v)
}

func (tx *badgerTx) Get(k []byte) ([]byte, error) {
	item, err := tx.txn.Get(k)
	if err != nil {
		return nil, err // badger.ErrKeyNotFound included
	}
	return item.ValueCopy(nil)
}

func (tx *badgerTx) Delete(k []byte) error {
	return tx.txn.Delete(k)
}

func (tx *badgerTx) Iterate(prefix []byte, f func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := f(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Store.
func (db *DB) Update(f func(tx Tx) error) error {
	return db.DB.Update(func(txn *badger.Txn) error {
		return f(&badgerTx{txn})
	})
}

// View implements Store.
func (db *DB) View(f func(tx Tx) error) error {
	return db.DB.View(func(txn *badger.Txn) error {
		return f(&badgerTx{txn})
	})
}
