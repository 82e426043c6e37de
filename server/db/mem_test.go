// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestMemStoreCommit(t *testing.T) {
	m := NewMemStore()
	err := m.Update(func(tx Tx) error {
		if err := tx.Put([]byte("a"), []byte{1}); err != nil {
			return err
		}
		// Staged writes are visible within the transaction.
		v, err := tx.Get([]byte("a"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte{1}) {
			return fmt.Errorf("staged read = %x", v)
		}
		return tx.Put([]byte("b"), []byte{2})
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	err = m.View(func(tx Tx) error {
		v, err := tx.Get([]byte("b"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte{2}) {
			return fmt.Errorf("b = %x", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}

func TestMemStoreRollback(t *testing.T) {
	m := NewMemStore()
	if err := m.Update(func(tx Tx) error { return tx.Put([]byte("keep"), []byte{1}) }); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	boom := errors.New("boom")
	err := m.Update(func(tx Tx) error {
		if err := tx.Put([]byte("lost"), []byte{9}); err != nil {
			return err
		}
		if err := tx.Delete([]byte("keep")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	// Nothing from the failed transaction landed.
	err = m.View(func(tx Tx) error {
		if _, err := tx.Get([]byte("lost")); !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("lost key landed: %v", err)
		}
		if _, err := tx.Get([]byte("keep")); err != nil {
			return fmt.Errorf("keep key gone: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemStoreDelete(t *testing.T) {
	m := NewMemStore()
	err := m.Update(func(tx Tx) error {
		if err := tx.Put([]byte("x"), []byte{1}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.Update(func(tx Tx) error {
		if err := tx.Delete([]byte("x")); err != nil {
			return err
		}
		// Deleted keys read as missing within the same transaction.
		if _, err := tx.Get([]byte("x")); !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("deleted key still readable: %v", err)
		}
		// A re-put resurrects the key.
		return tx.Put([]byte("x"), []byte{2})
	})
	if err != nil {
		t.Fatal(err)
	}
	err = m.View(func(tx Tx) error {
		v, err := tx.Get([]byte("x"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte{2}) {
			return fmt.Errorf("x = %x", v)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemStoreIterate(t *testing.T) {
	m := NewMemStore()
	err := m.Update(func(tx Tx) error {
		for i, k := range []string{"p/3", "p/1", "q/1", "p/2"} {
			if err := tx.Put([]byte(k), []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var keys []string
	err = m.View(func(tx Tx) error {
		return tx.Iterate([]byte("p/"), func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"p/1", "p/2", "p/3"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}

	// Iteration sees staged writes and skips staged deletes.
	err = m.Update(func(tx Tx) error {
		if err := tx.Put([]byte("p/0"), []byte{9}); err != nil {
			return err
		}
		if err := tx.Delete([]byte("p/2")); err != nil {
			return err
		}
		keys = keys[:0]
		if err := tx.Iterate([]byte("p/"), func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort error")
	}
	want = []string{"p/0", "p/1", "p/3"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("staged iterate keys = %v, want %v", keys, want)
	}
}
