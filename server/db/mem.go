// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"bytes"
	"sort"
	"sync"
)

// MemStore is an in-memory Store used in tests and for ephemeral runs. Update
// stages writes in an overlay that is only merged into the backing map on
// success, matching the commit-or-nothing behavior of the badger Store.
type MemStore struct {
	mtx  sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

type memTx struct {
	base    map[string][]byte
	staged  map[string][]byte
	deleted map[string]bool
}

func (tx *memTx) Put(k, v []byte) error {
	key := string(k)
	delete(tx.deleted, key)
	val := make([]byte, len(v))
	copy(val, v)
	tx.staged[key] = val
	return nil
}

func (tx *memTx) Get(k []byte) ([]byte, error) {
	key := string(k)
	if tx.deleted[key] {
		return nil, ErrKeyNotFound
	}
	if v, found := tx.staged[key]; found {
		return v, nil
	}
	if v, found := tx.base[key]; found {
		return v, nil
	}
	return nil, ErrKeyNotFound
}

func (tx *memTx) Delete(k []byte) error {
	key := string(k)
	delete(tx.staged, key)
	tx.deleted[key] = true
	return nil
}

func (tx *memTx) Iterate(prefix []byte, f func(k, v []byte) error) error {
	keys := make([]string, 0)
	seen := make(map[string]bool)
	for k := range tx.staged {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range tx.base {
		if !seen[k] && !tx.deleted[k] && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := tx.Get([]byte(k))
		if err != nil {
			continue
		}
		if err := f([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Store. Writes are merged only if f returns nil.
func (m *MemStore) Update(f func(tx Tx) error) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	tx := &memTx{
		base:    m.data,
		staged:  make(map[string][]byte),
		deleted: make(map[string]bool),
	}
	if err := f(tx); err != nil {
		return err
	}
	for k := range tx.deleted {
		delete(m.data, k)
	}
	for k, v := range tx.staged {
		m.data[k] = v
	}
	return nil
}

// View implements Store.
func (m *MemStore) View(f func(tx Tx) error) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return f(&memTx{
		base:    m.data,
		staged:  make(map[string][]byte),
		deleted: make(map[string]bool),
	})
}

// Len is the number of stored keys.
func (m *MemStore) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.data)
}
