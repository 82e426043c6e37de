// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package redeem tracks redemptions from initiation through fulfillment,
// timeout, or default. A redemption is fulfilled only by an SPV-proved
// Bitcoin transaction paying the requested amount to the requested
// destination. All terminal states are final.
package redeem

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/btc"
	"qcbridge.org/qcbridge/bridge/encode"
	"qcbridge.org/qcbridge/server/db"
	"qcbridge.org/qcbridge/server/spv"
)

const (
	// ErrUnknownRedemption means no redemption exists under the id.
	ErrUnknownRedemption = bridge.ErrorKind("unknown redemption")
	// ErrCustodianNotActive means the custodian cannot take redemptions.
	ErrCustodianNotActive = bridge.ErrorKind("custodian not active")
	// ErrAmountOutOfBounds means the requested amount is outside the
	// configured min/max.
	ErrAmountOutOfBounds = bridge.ErrorKind("amount out of bounds")
	// ErrInsufficientMinted means the custodian's minted balance cannot
	// cover the redemption on top of its other pending redemptions.
	ErrInsufficientMinted = bridge.ErrorKind("insufficient minted balance")
	// ErrWrongStatus means the redemption is not in the status the
	// operation requires.
	ErrWrongStatus = bridge.ErrorKind("wrong redemption status")
	// ErrDeadlinePassed means the fulfillment window, including grace, has
	// closed.
	ErrDeadlinePassed = bridge.ErrorKind("fulfillment deadline passed")
	// ErrNotExpired means expiry was requested before the deadline.
	ErrNotExpired = bridge.ErrorKind("deadline not reached")
	// ErrPaymentMismatch means the proved transaction does not pay the
	// required amount to the redemption's destination.
	ErrPaymentMismatch = bridge.ErrorKind("payment does not match redemption")
)

// Status is a redemption's lifecycle state.
type Status uint8

const (
	// Pending redemptions await a fulfillment proof.
	Pending Status = iota
	// Fulfilled is terminal: payment was proved.
	Fulfilled
	// Defaulted is terminal: the watchdogs resolved a missed redemption
	// against the custodian.
	Defaulted
	// TimedOut is terminal for this state machine: the deadline passed
	// without proof. Watchdog consensus may follow up with a default
	// resolution.
	TimedOut
)

var statusNames = map[Status]string{
	Pending:   "pending",
	Fulfilled: "fulfilled",
	Defaulted: "defaulted",
	TimedOut:  "timed-out",
}

func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return "unknown"
}

// Redemption is a request to redeem minted tokens for a Bitcoin payment.
type Redemption struct {
	ID          [32]byte
	CustodianID string
	Requester   string
	Amount      uint64
	DestAddr    string
	Status      Status
	CreatedMS   uint64
	DeadlineMS  uint64
	// FulfillmentTxID is set when the redemption is fulfilled.
	FulfillmentTxID chainhash.Hash

	destHash []byte
}

// ReserveLedger is the slice of the reserve ledger the state machine needs.
type ReserveLedger interface {
	MintedAmount(custodianID string) (uint64, error)
	ReduceMinted(custodianID string, amount uint64) error
}

// CustodianChecker gates initiation on custodian status.
type CustodianChecker interface {
	IsActive(custodianID string) bool
}

// TxVerifier checks fulfillment SPV proofs.
type TxVerifier interface {
	Verify(rawTx []byte, proof *spv.Proof) (*spv.VerifiedTx, error)
}

// Config is the state machine configuration.
type Config struct {
	Store      db.Store
	Log        bridge.Logger
	Verifier   TxVerifier
	Reserves   ReserveLedger
	Custodians CustodianChecker
	// ChainParams selects the Bitcoin network for destination addresses.
	ChainParams *chaincfg.Params
	// MinRedemption and MaxRedemption bound redemption amounts, satoshis.
	MinRedemption, MaxRedemption uint64
	// Timeout is the custodian's fulfillment window.
	Timeout time.Duration
	// Grace extends the window for recording a proof of a payment that was
	// made before the deadline.
	Grace time.Duration
	// FeeTolerance is the satoshis by which a payment may fall short of
	// the requested amount to cover network fees.
	FeeTolerance uint64
	// StateChanged, if set, is called after every committed transition.
	StateChanged func(red *Redemption, old Status)
}

// Manager is the redemption state machine. Safe for concurrent use.
type Manager struct {
	cfg Config
	now func() time.Time

	mtx     sync.Mutex
	reds    map[[32]byte]*Redemption
	escrow  map[string]uint64 // custodian -> sum of pending amounts
	nonce   uint64
}

// New creates a Manager, loading redemptions from the store.
func New(cfg *Config) (*Manager, error) {
	m := &Manager{
		cfg:    *cfg,
		now:    time.Now,
		reds:   make(map[[32]byte]*Redemption),
		escrow: make(map[string]uint64),
	}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("error loading redemptions: %w", err)
	}
	return m, nil
}

// Initiate opens a redemption and returns its deterministic id. The
// custodian must be Active, the amount within bounds, and the custodian's
// minted balance must cover this redemption on top of all of its other
// pending redemptions.
func (m *Manager) Initiate(requester, custodianID string, amount uint64, destAddr string) ([32]byte, error) {
	var zeroID [32]byte
	if !m.cfg.Custodians.IsActive(custodianID) {
		return zeroID, bridge.NewError(ErrCustodianNotActive, custodianID)
	}
	if amount < m.cfg.MinRedemption || amount > m.cfg.MaxRedemption {
		return zeroID, bridge.NewError(ErrAmountOutOfBounds,
			fmt.Sprintf("%d not in [%d, %d]", amount, m.cfg.MinRedemption, m.cfg.MaxRedemption))
	}
	destHash, _, err := btc.AddressPayToHash(destAddr, m.cfg.ChainParams)
	if err != nil {
		return zeroID, err
	}
	minted, err := m.cfg.Reserves.MintedAmount(custodianID)
	if err != nil {
		return zeroID, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if escrowed := m.escrow[custodianID]; minted < escrowed || minted-escrowed < amount {
		return zeroID, bridge.NewError(ErrInsufficientMinted,
			fmt.Sprintf("minted %d, escrowed %d, requested %d", minted, m.escrow[custodianID], amount))
	}

	nowMS := encode.UnixMilli(m.now())
	red := &Redemption{
		CustodianID: custodianID,
		Requester:   requester,
		Amount:      amount,
		DestAddr:    destAddr,
		Status:      Pending,
		CreatedMS:   nowMS,
		DeadlineMS:  nowMS + uint64(m.cfg.Timeout.Milliseconds()),
		destHash:    destHash,
	}
	red.ID = redemptionID(requester, custodianID, amount, m.nonce)

	err = m.cfg.Store.Update(func(tx db.Tx) error {
		if err := tx.Put(redemptionKey(red.ID), encodeRedemption(red)); err != nil {
			return err
		}
		return tx.Put([]byte(nonceKey), encode.Uint64Bytes(m.nonce+1))
	})
	if err != nil {
		return zeroID, err
	}
	m.nonce++
	m.reds[red.ID] = red
	m.escrow[custodianID] += amount

	m.cfg.Log.Infof("redemption %x initiated: %d sats from %s to %s, deadline %s",
		red.ID[:6], amount, custodianID, destAddr, encode.UnixTimeMilli(red.DeadlineMS))
	return red.ID, nil
}

// Redemption returns a copy of the redemption.
func (m *Manager) Redemption(id [32]byte) (*Redemption, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	red, found := m.reds[id]
	if !found {
		return nil, bridge.NewError(ErrUnknownRedemption, fmt.Sprintf("%x", id[:6]))
	}
	cp := *red
	return &cp, nil
}

// RecordFulfillment proves the custodian's Bitcoin payment and moves the
// redemption to Fulfilled, burning the redeemed amount from the custodian's
// minted balance. The claimed address must be the redemption's destination,
// the claimed amount must be within fee tolerance of the requested amount,
// and the proved transaction must pay at least the claimed amount to the
// destination.
func (m *Manager) RecordFulfillment(id [32]byte, claimedAddr string, claimedAmount uint64, rawTx []byte, proof *spv.Proof) error {
	// Validate the claim against the redemption before the heavier SPV
	// verification.
	m.mtx.Lock()
	red, found := m.reds[id]
	if !found {
		m.mtx.Unlock()
		return bridge.NewError(ErrUnknownRedemption, fmt.Sprintf("%x", id[:6]))
	}
	if red.Status != Pending {
		m.mtx.Unlock()
		return bridge.NewError(ErrWrongStatus, red.Status.String())
	}
	deadline := red.DeadlineMS + uint64(m.cfg.Grace.Milliseconds())
	if encode.UnixMilli(m.now()) > deadline {
		m.mtx.Unlock()
		return bridge.NewError(ErrDeadlinePassed,
			fmt.Sprintf("deadline+grace %s", encode.UnixTimeMilli(deadline)))
	}
	amount, destAddr, destHash := red.Amount, red.DestAddr, red.destHash
	m.mtx.Unlock()

	if claimedAddr != destAddr {
		return bridge.NewError(ErrPaymentMismatch,
			fmt.Sprintf("claimed address %s, redemption pays %s", claimedAddr, destAddr))
	}
	if claimedAmount+m.cfg.FeeTolerance < amount {
		return bridge.NewError(ErrPaymentMismatch,
			fmt.Sprintf("claimed %d sats below requested %d minus tolerance %d",
				claimedAmount, amount, m.cfg.FeeTolerance))
	}

	vtx, err := m.cfg.Verifier.Verify(rawTx, proof)
	if err != nil {
		return fmt.Errorf("fulfillment proof failed verification: %w", err)
	}
	if !paysAtLeast(vtx.Tx, destHash, claimedAmount) {
		return bridge.NewError(ErrPaymentMismatch,
			fmt.Sprintf("no output pays %d sats to the destination", claimedAmount))
	}

	old, err := m.transition(id, Pending, Fulfilled, func(red *Redemption) {
		red.FulfillmentTxID = vtx.TxID
	})
	if err != nil {
		return err
	}

	// The escrowed amount was proven paid, so burn it from the custodian's
	// minted balance. Escrow accounting guarantees minted covers it.
	if err := m.cfg.Reserves.ReduceMinted(red.CustodianID, amount); err != nil {
		m.cfg.Log.Errorf("redemption %x fulfilled but burn failed: %v", id[:6], err)
	}

	m.cfg.Log.Infof("redemption %x fulfilled by tx %s", id[:6], vtx.TxID)
	m.notify(id, old)
	return nil
}

// Expire moves a Pending redemption past its deadline to TimedOut. Callable
// by anyone; expiry never fires spontaneously.
func (m *Manager) Expire(id [32]byte) error {
	m.mtx.Lock()
	red, found := m.reds[id]
	if !found {
		m.mtx.Unlock()
		return bridge.NewError(ErrUnknownRedemption, fmt.Sprintf("%x", id[:6]))
	}
	if red.Status != Pending {
		m.mtx.Unlock()
		return bridge.NewError(ErrWrongStatus, red.Status.String())
	}
	if encode.UnixMilli(m.now()) <= red.DeadlineMS {
		m.mtx.Unlock()
		return bridge.NewError(ErrNotExpired,
			fmt.Sprintf("deadline %s", encode.UnixTimeMilli(red.DeadlineMS)))
	}
	m.mtx.Unlock()

	old, err := m.transition(id, Pending, TimedOut, nil)
	if err != nil {
		return err
	}
	m.cfg.Log.Infof("redemption %x timed out", id[:6])
	m.notify(id, old)
	return nil
}

// MarkDefaulted resolves a timed-out redemption as a custodian default. Only
// the watchdog consensus execution path calls this. A Pending redemption
// past its deadline may be defaulted directly.
func (m *Manager) MarkDefaulted(id [32]byte, reason string) error {
	m.mtx.Lock()
	red, found := m.reds[id]
	if !found {
		m.mtx.Unlock()
		return bridge.NewError(ErrUnknownRedemption, fmt.Sprintf("%x", id[:6]))
	}
	from := red.Status
	if from != TimedOut && from != Pending {
		m.mtx.Unlock()
		return bridge.NewError(ErrWrongStatus, from.String())
	}
	if from == Pending && encode.UnixMilli(m.now()) <= red.DeadlineMS {
		m.mtx.Unlock()
		return bridge.NewError(ErrNotExpired, "cannot default before the deadline")
	}
	m.mtx.Unlock()

	old, err := m.transition(id, from, Defaulted, nil)
	if err != nil {
		return err
	}
	m.cfg.Log.Warnf("redemption %x defaulted: %s", id[:6], reason)
	m.notify(id, old)
	return nil
}

// PendingForCustodian is the sum of the custodian's pending redemption
// amounts.
func (m *Manager) PendingForCustodian(custodianID string) uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.escrow[custodianID]
}

// transition commits a status change, re-checking the expected source status
// under the mutex so two near-simultaneous calls cannot both transition.
func (m *Manager) transition(id [32]byte, from, to Status, mutate func(*Redemption)) (Status, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	red, found := m.reds[id]
	if !found {
		return 0, bridge.NewError(ErrUnknownRedemption, fmt.Sprintf("%x", id[:6]))
	}
	if red.Status != from {
		return 0, bridge.NewError(ErrWrongStatus,
			fmt.Sprintf("expected %s, have %s", from, red.Status))
	}

	cp := *red
	cp.Status = to
	if mutate != nil {
		mutate(&cp)
	}
	err := m.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(redemptionKey(id), encodeRedemption(&cp))
	})
	if err != nil {
		return 0, err
	}

	old := red.Status
	*red = cp
	// Leaving Pending releases the escrow hold.
	if old == Pending {
		m.escrow[red.CustodianID] -= red.Amount
	}
	return old, nil
}

func (m *Manager) notify(id [32]byte, old Status) {
	if m.cfg.StateChanged == nil {
		return
	}
	if red, err := m.Redemption(id); err == nil {
		m.cfg.StateChanged(red, old)
	}
}

// paysAtLeast scans the transaction's outputs for one paying at least amount
// to the destination hash.
func paysAtLeast(tx *btc.Transaction, destHash []byte, amount uint64) bool {
	for _, txOut := range tx.Outs {
		if txOut.Value >= amount && bytes.Equal(btc.ExtractPayToHash(txOut.PkScript), destHash) {
			return true
		}
	}
	return false
}

// redemptionID is the deterministic id of a redemption.
func redemptionID(requester, custodianID string, amount, nonce uint64) [32]byte {
	preimage := encode.BuildyBytes{0}.
		AddData([]byte(requester)).
		AddData([]byte(custodianID)).
		AddData(encode.Uint64Bytes(amount)).
		AddData(encode.Uint64Bytes(nonce))
	return chainhash.DoubleHashH(preimage)
}

func (m *Manager) load() error {
	return m.cfg.Store.View(func(tx db.Tx) error {
		v, err := tx.Get([]byte(nonceKey))
		if err == nil {
			m.nonce = encode.BytesToUint64(v)
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}
		return tx.Iterate([]byte(redemptionPrefix), func(_, v []byte) error {
			red, err := decodeRedemption(v)
			if err != nil {
				return err
			}
			red.destHash, _, err = btc.AddressPayToHash(red.DestAddr, m.cfg.ChainParams)
			if err != nil {
				return fmt.Errorf("stored redemption %x has undecodable destination: %w", red.ID[:6], err)
			}
			m.reds[red.ID] = red
			if red.Status == Pending {
				m.escrow[red.CustodianID] += red.Amount
			}
			return nil
		})
	})
}
