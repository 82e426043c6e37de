// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package reserve tracks custodian reserve attestations and derives the
// minting capacity they support. A custodian's outstanding minted amount may
// never exceed the lesser of its minting cap and its attested reserve; a
// fresh attestation that reveals minted > attested is escalated to the
// registry rather than silently recorded.
package reserve

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/encode"
	"qcbridge.org/qcbridge/server/db"
)

const (
	// ErrUnknownCustodian means the custodian has not been added to the
	// ledger.
	ErrUnknownCustodian = bridge.ErrorKind("unknown custodian")
	// ErrCustodianExists means the custodian is already tracked.
	ErrCustodianExists = bridge.ErrorKind("custodian already tracked")
	// ErrFutureTimestamp means an attestation is stamped after the current
	// time.
	ErrFutureTimestamp = bridge.ErrorKind("attestation timestamp in the future")
	// ErrExpiredTimestamp means an attestation is stamped before the
	// accepted age window.
	ErrExpiredTimestamp = bridge.ErrorKind("attestation timestamp too old")
	// ErrTimestampRegression means an attestation is stamped before the
	// custodian's current attestation.
	ErrTimestampRegression = bridge.ErrorKind("attestation timestamp regression")
	// ErrInsufficientCapacity means a mint would exceed the custodian's
	// available capacity.
	ErrInsufficientCapacity = bridge.ErrorKind("insufficient minting capacity")
	// ErrInsufficientMinted means a burn would reduce the minted amount
	// below zero.
	ErrInsufficientMinted = bridge.ErrorKind("burn exceeds minted amount")
)

// Attestation is a timestamped claim of a custodian's reserve balance.
// Attestations are append-only; only the "current" pointer advances.
type Attestation struct {
	CustodianID string
	Balance     uint64
	StampMS     uint64
}

// ReviewTrigger is notified when an attestation reveals that a custodian's
// minted amount exceeds its attested reserve.
type ReviewTrigger interface {
	FlagUndercollateralized(custodianID string, minted, attested uint64)
}

// Config is the Ledger configuration.
type Config struct {
	Auth  bridge.Authorizer
	Store db.Store
	Log   bridge.Logger
	// Trigger receives undercollateralization escalations. Optional.
	Trigger ReviewTrigger
	// MaxAttestationAge bounds how old a submitted attestation's timestamp
	// may be.
	MaxAttestationAge time.Duration
	// StaleThreshold is the age past which the current attestation no
	// longer supports minting.
	StaleThreshold time.Duration
}

type custodianReserves struct {
	maxCap  uint64
	minted  uint64
	current *Attestation
	// attSeq is the next history sequence number, one past the count of
	// recorded attestations.
	attSeq uint64
}

// Ledger is the reserve ledger. All methods are safe for concurrent use;
// each mutation validates fully, commits its store writes, and only then
// updates in-memory state, so a failed call changes nothing.
type Ledger struct {
	cfg  Config
	now  func() time.Time
	mtx  sync.Mutex
	qcs  map[string]*custodianReserves
}

// New creates a Ledger, loading any tracked custodians from the store.
func New(cfg *Config) (*Ledger, error) {
	l := &Ledger{
		cfg: *cfg,
		now: time.Now,
		qcs: make(map[string]*custodianReserves),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("error loading reserve ledger: %w", err)
	}
	return l, nil
}

// Track adds a custodian to the ledger with the given minting cap. Called on
// custodian registration.
func (l *Ledger) Track(custodianID string, maxCap uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, found := l.qcs[custodianID]; found {
		return bridge.NewError(ErrCustodianExists, custodianID)
	}
	err := l.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(reservesKey(custodianID), encodeReserves(maxCap, 0))
	})
	if err != nil {
		return err
	}
	l.qcs[custodianID] = &custodianReserves{maxCap: maxCap}
	return nil
}

// SubmitAttestation records a reserve attestation for the custodian. The
// actor must hold the attester role. The timestamp must not be in the
// future, not be older than MaxAttestationAge, and not regress from the
// current attestation. If the new balance no longer covers the minted
// amount, the ReviewTrigger is notified after the attestation is recorded.
func (l *Ledger) SubmitAttestation(actor, custodianID string, balance, stampMS uint64) error {
	if !l.cfg.Auth.HasRole(actor, bridge.RoleAttester) {
		return bridge.NewError(bridge.UnauthorizedError, fmt.Sprintf("%s is not an attester", actor))
	}

	var underMinted, underAttested uint64
	err := func() error {
		l.mtx.Lock()
		defer l.mtx.Unlock()
		qc, found := l.qcs[custodianID]
		if !found {
			return bridge.NewError(ErrUnknownCustodian, custodianID)
		}

		now := encode.UnixMilli(l.now())
		if stampMS > now {
			return bridge.NewError(ErrFutureTimestamp,
				fmt.Sprintf("stamp %d > now %d", stampMS, now))
		}
		if maxAge := uint64(l.cfg.MaxAttestationAge.Milliseconds()); now-stampMS > maxAge {
			return bridge.NewError(ErrExpiredTimestamp,
				fmt.Sprintf("stamp %d older than %d ms", stampMS, maxAge))
		}
		if qc.current != nil && stampMS < qc.current.StampMS {
			return bridge.NewError(ErrTimestampRegression,
				fmt.Sprintf("stamp %d < current %d", stampMS, qc.current.StampMS))
		}

		att := &Attestation{CustodianID: custodianID, Balance: balance, StampMS: stampMS}
		err := l.cfg.Store.Update(func(tx db.Tx) error {
			// Append to history and advance the current pointer atomically.
			// The sequence suffix keeps equal-timestamp submissions from
			// landing on the same history key.
			if err := tx.Put(attestationKey(custodianID, stampMS, qc.attSeq), encodeAttestation(att)); err != nil {
				return err
			}
			return tx.Put(currentAttestationKey(custodianID), encodeAttestation(att))
		})
		if err != nil {
			return err
		}
		qc.current = att
		qc.attSeq++

		if qc.minted > balance {
			underMinted, underAttested = qc.minted, balance
		}
		return nil
	}()
	if err != nil {
		return err
	}

	// Escalate outside the ledger mutex. The trigger path takes the
	// registry's locks.
	if underAttested < underMinted && l.cfg.Trigger != nil {
		l.cfg.Log.Warnf("custodian %s undercollateralized: minted %d > attested %d",
			custodianID, underMinted, underAttested)
		l.cfg.Trigger.FlagUndercollateralized(custodianID, underMinted, underAttested)
	}
	return nil
}

// CurrentAttestation returns the custodian's current attestation, or nil if
// none has been recorded.
func (l *Ledger) CurrentAttestation(custodianID string) (*Attestation, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return nil, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	return qc.current, nil
}

// History returns the custodian's attestation history in timestamp order.
func (l *Ledger) History(custodianID string) ([]*Attestation, error) {
	var atts []*Attestation
	err := l.cfg.Store.View(func(tx db.Tx) error {
		return tx.Iterate(attestationPrefix(custodianID), func(_, v []byte) error {
			att, err := decodeAttestation(v)
			if err != nil {
				return err
			}
			atts = append(atts, att)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return atts, nil
}

// IsStale reports whether the custodian's current attestation is older than
// the stale threshold, or missing entirely.
func (l *Ledger) IsStale(custodianID string, now time.Time) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return false, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	if qc.current == nil {
		return true, nil
	}
	age := encode.UnixMilli(now) - qc.current.StampMS
	return age > uint64(l.cfg.StaleThreshold.Milliseconds()), nil
}

// AvailableCapacity is min(maxCap, attestedBalance) - minted, floored at
// zero. A custodian with no attestation has zero capacity.
func (l *Ledger) AvailableCapacity(custodianID string) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return 0, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	return qc.available(), nil
}

func (qc *custodianReserves) available() uint64 {
	if qc.current == nil {
		return 0
	}
	backed := qc.maxCap
	if qc.current.Balance < backed {
		backed = qc.current.Balance
	}
	if qc.minted >= backed {
		return 0
	}
	return backed - qc.minted
}

// MintedAmount is the custodian's outstanding minted amount.
func (l *Ledger) MintedAmount(custodianID string) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return 0, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	return qc.minted, nil
}

// AddMinted increases the custodian's minted amount, enforcing the capacity
// invariant. Nothing changes on failure.
func (l *Ledger) AddMinted(custodianID string, amount uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	if amount > qc.available() {
		return bridge.NewError(ErrInsufficientCapacity,
			fmt.Sprintf("mint %d > available %d", amount, qc.available()))
	}
	err := l.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(reservesKey(custodianID), encodeReserves(qc.maxCap, qc.minted+amount))
	})
	if err != nil {
		return err
	}
	qc.minted += amount
	return nil
}

// ReduceMinted decreases the custodian's minted amount, e.g. after a
// fulfilled redemption burns tokens.
func (l *Ledger) ReduceMinted(custodianID string, amount uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	if amount > qc.minted {
		return bridge.NewError(ErrInsufficientMinted,
			fmt.Sprintf("burn %d > minted %d", amount, qc.minted))
	}
	err := l.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(reservesKey(custodianID), encodeReserves(qc.maxCap, qc.minted-amount))
	})
	if err != nil {
		return err
	}
	qc.minted -= amount
	return nil
}

// SetMintingCap changes the custodian's maximum minting cap. Used by the
// watchdog parameter-change execution path. Lowering the cap below the
// minted amount is allowed; it only zeroes future capacity.
func (l *Ledger) SetMintingCap(custodianID string, maxCap uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	qc, found := l.qcs[custodianID]
	if !found {
		return bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	err := l.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(reservesKey(custodianID), encodeReserves(maxCap, qc.minted))
	})
	if err != nil {
		return err
	}
	qc.maxCap = maxCap
	return nil
}

// load restores tracked custodians, minted amounts and current attestations
// from the store.
func (l *Ledger) load() error {
	return l.cfg.Store.View(func(tx db.Tx) error {
		err := tx.Iterate([]byte(reservesPrefix), func(k, v []byte) error {
			custodianID := string(k[len(reservesPrefix):])
			maxCap, minted, err := decodeReserves(v)
			if err != nil {
				return err
			}
			l.qcs[custodianID] = &custodianReserves{maxCap: maxCap, minted: minted}
			return nil
		})
		if err != nil {
			return err
		}
		for custodianID, qc := range l.qcs {
			// Resume the history sequence where it left off.
			err := tx.Iterate(attestationPrefix(custodianID), func(_, _ []byte) error {
				qc.attSeq++
				return nil
			})
			if err != nil {
				return err
			}
			v, err := tx.Get(currentAttestationKey(custodianID))
			if errors.Is(err, db.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if qc.current, err = decodeAttestation(v); err != nil {
				return err
			}
		}
		return nil
	})
}
