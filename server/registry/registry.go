// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package registry manages the custodian lifecycle and the binding of
// custodian-controlled Bitcoin wallets. Binding is a two-party protocol: one
// authorized actor requests the binding with a challenge, and a different
// authorized actor finalizes it with proof that the custodian controls the
// address, so a single compromised actor cannot attach an uncontrolled
// address.
package registry

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/btc"
	"qcbridge.org/qcbridge/bridge/encode"
	"qcbridge.org/qcbridge/server/db"
	"qcbridge.org/qcbridge/server/spv"
)

const (
	// ErrUnknownCustodian means no custodian is registered under the id.
	ErrUnknownCustodian = bridge.ErrorKind("unknown custodian")
	// ErrCustodianExists means the id is already registered.
	ErrCustodianExists = bridge.ErrorKind("custodian already registered")
	// ErrInvalidTransition means the requested status change is not an edge
	// of the custodian state machine.
	ErrInvalidTransition = bridge.ErrorKind("invalid status transition")
	// ErrUnknownBinding means no binding request exists under the id.
	ErrUnknownBinding = bridge.ErrorKind("unknown binding request")
	// ErrBindingExpired means the binding request's window has passed.
	ErrBindingExpired = bridge.ErrorKind("binding request expired")
	// ErrBindingFinalized means the binding request was already finalized.
	ErrBindingFinalized = bridge.ErrorKind("binding already finalized")
	// ErrSameParty means the finalizing actor is the requesting actor.
	ErrSameParty = bridge.ErrorKind("finalizer must differ from requester")
	// ErrControlProof means the supplied transaction or signature does not
	// prove control of the claimed address.
	ErrControlProof = bridge.ErrorKind("control proof invalid")
)

// Status is a custodian's lifecycle state.
type Status uint8

const (
	// Unregistered is the zero state. No custodian record exists.
	Unregistered Status = iota
	// Active custodians may mint and take redemptions.
	Active
	// UnderReview custodians are frozen pending watchdog review. Reachable
	// automatically on undercollateralization or via consensus.
	UnderReview
	// Terminated is terminal, reachable only through watchdog consensus
	// execution.
	Terminated
)

var statusNames = map[Status]string{
	Unregistered: "unregistered",
	Active:       "active",
	UnderReview:  "under-review",
	Terminated:   "terminated",
}

func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return "unknown"
}

// Custodian is a registered qualified custodian.
type Custodian struct {
	ID      string
	Status  Status
	Wallets []string
}

// Binding is a pending or finalized wallet-binding request.
type Binding struct {
	ID          [32]byte
	CustodianID string
	Address     string
	Challenge   []byte
	Requester   string
	CreatedMS   uint64
	ExpiresMS   uint64
	Finalized   bool

	payToHash []byte
	class     btc.ScriptClass
}

// TxVerifier checks SPV proofs for binding control transactions.
type TxVerifier interface {
	Verify(rawTx []byte, proof *spv.Proof) (*spv.VerifiedTx, error)
}

// Config is the Registry configuration.
type Config struct {
	Auth     bridge.Authorizer
	Store    db.Store
	Log      bridge.Logger
	Verifier TxVerifier
	// ChainParams selects the Bitcoin network for address decoding.
	ChainParams *chaincfg.Params
	// BindingTTL is how long a binding request remains finalizable.
	BindingTTL time.Duration
	// StatusChanged, if set, is called after every committed status change.
	StatusChanged func(custodianID string, old, new Status, reason string)
}

// Registry is the custodian registry.
type Registry struct {
	cfg      Config
	now      func() time.Time
	mtx      sync.Mutex
	qcs      map[string]*Custodian
	bindings map[[32]byte]*Binding
}

// New creates a Registry, loading registered custodians and open binding
// requests from the store.
func New(cfg *Config) (*Registry, error) {
	r := &Registry{
		cfg:      *cfg,
		now:      time.Now,
		qcs:      make(map[string]*Custodian),
		bindings: make(map[[32]byte]*Binding),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("error loading registry: %w", err)
	}
	return r, nil
}

// Register creates a custodian in the Active status. Admin only.
func (r *Registry) Register(actor, custodianID string) error {
	if !r.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, found := r.qcs[custodianID]; found {
		return bridge.NewError(ErrCustodianExists, custodianID)
	}
	qc := &Custodian{ID: custodianID, Status: Active}
	if err := r.storeCustodian(qc); err != nil {
		return err
	}
	r.qcs[custodianID] = qc
	r.cfg.Log.Infof("registered custodian %s", custodianID)
	r.notify(custodianID, Unregistered, Active, "registered")
	return nil
}

// Custodian returns a copy of the custodian's record.
func (r *Registry) Custodian(custodianID string) (*Custodian, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	qc, found := r.qcs[custodianID]
	if !found {
		return nil, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	cp := *qc
	cp.Wallets = append([]string(nil), qc.Wallets...)
	return &cp, nil
}

// IsActive reports whether the custodian is registered and Active.
func (r *Registry) IsActive(custodianID string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	qc, found := r.qcs[custodianID]
	return found && qc.Status == Active
}

// SetStatus moves a custodian between Active and UnderReview. Re-entering
// the current status is a no-op, not an error. Terminated is not reachable
// through this method; it requires watchdog consensus execution via
// Terminate. Admin only.
func (r *Registry) SetStatus(actor, custodianID string, status Status, reason string) error {
	if !r.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	if status != Active && status != UnderReview {
		return bridge.NewError(ErrInvalidTransition,
			fmt.Sprintf("%s not reachable via status change", status))
	}
	return r.transition(custodianID, status, reason)
}

// FlagUnderReview moves the custodian to UnderReview. This is the automatic
// escalation path used by the reserve ledger and the watchdog execution
// path; it takes no actor.
func (r *Registry) FlagUnderReview(custodianID, reason string) error {
	return r.transition(custodianID, UnderReview, reason)
}

// FlagActive restores a custodian from UnderReview to Active. Watchdog
// consensus execution path.
func (r *Registry) FlagActive(custodianID, reason string) error {
	return r.transition(custodianID, Active, reason)
}

// Terminate moves the custodian to Terminated. Only the watchdog consensus
// execution path calls this. Terminating an already-terminated custodian is
// a no-op so that a re-executed enforcement action cannot fail.
func (r *Registry) Terminate(custodianID, reason string) error {
	return r.transition(custodianID, Terminated, reason)
}

func (r *Registry) transition(custodianID string, status Status, reason string) error {
	r.mtx.Lock()
	qc, found := r.qcs[custodianID]
	if !found {
		r.mtx.Unlock()
		return bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	old := qc.Status
	if old == status {
		r.mtx.Unlock()
		return nil // idempotent re-entry
	}
	if old == Terminated {
		r.mtx.Unlock()
		return bridge.NewError(ErrInvalidTransition, "custodian is terminated")
	}
	cp := *qc
	cp.Status = status
	if err := r.storeCustodian(&cp); err != nil {
		r.mtx.Unlock()
		return err
	}
	qc.Status = status
	r.mtx.Unlock()

	r.cfg.Log.Infof("custodian %s status %s -> %s: %s", custodianID, old, status, reason)
	r.notify(custodianID, old, status, reason)
	return nil
}

// notify must be called without the registry mutex held when possible; the
// registration path calls it under the mutex, which is safe as long as the
// callback does not reenter the registry synchronously.
func (r *Registry) notify(custodianID string, old, new Status, reason string) {
	if r.cfg.StatusChanged != nil {
		r.cfg.StatusChanged(custodianID, old, new, reason)
	}
}

// RequestBinding opens a wallet-binding request and returns its id. The
// custodian must not be terminated, the address must decode to a supported
// script class, and the actor must hold the binder role.
func (r *Registry) RequestBinding(actor, custodianID, btcAddr string, challenge []byte) ([32]byte, error) {
	var zeroID [32]byte
	if !r.cfg.Auth.HasRole(actor, bridge.RoleBinder) {
		return zeroID, bridge.NewError(bridge.UnauthorizedError, actor)
	}
	if len(challenge) == 0 {
		return zeroID, bridge.NewError(ErrControlProof, "empty challenge")
	}
	// A longer challenge could never appear in a data-carrier output, so the
	// binding would be unfinalizable.
	if len(challenge) > btc.MaxDataCarrierLen {
		return zeroID, bridge.NewError(ErrControlProof,
			fmt.Sprintf("challenge is %d bytes, max %d", len(challenge), btc.MaxDataCarrierLen))
	}
	payToHash, class, err := btc.AddressPayToHash(btcAddr, r.cfg.ChainParams)
	if err != nil {
		return zeroID, err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	qc, found := r.qcs[custodianID]
	if !found {
		return zeroID, bridge.NewError(ErrUnknownCustodian, custodianID)
	}
	if qc.Status == Terminated {
		return zeroID, bridge.NewError(ErrInvalidTransition, "custodian is terminated")
	}

	nowMS := encode.UnixMilli(r.now())
	binding := &Binding{
		CustodianID: custodianID,
		Address:     btcAddr,
		Challenge:   encode.CopySlice(challenge),
		Requester:   actor,
		CreatedMS:   nowMS,
		ExpiresMS:   nowMS + uint64(r.cfg.BindingTTL.Milliseconds()),
		payToHash:   payToHash,
		class:       class,
	}
	binding.ID = bindingID(binding)
	if _, found := r.bindings[binding.ID]; found {
		return zeroID, bridge.NewError(ErrBindingFinalized, "duplicate binding request")
	}

	err = r.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(bindingKey(binding.ID), encodeBinding(binding))
	})
	if err != nil {
		return zeroID, err
	}
	r.bindings[binding.ID] = binding
	r.cfg.Log.Debugf("binding %x requested: custodian %s, address %s", binding.ID[:6], custodianID, btcAddr)
	return binding.ID, nil
}

// FinalizeBinding completes a binding request with an SPV-proved control
// transaction. The transaction must carry the request's challenge in a data
// output, and must demonstrate control of the claimed address: for a P2PKH
// address, by spending an input whose public key hashes to the address; for
// other classes, by paying an output back to the claimed address in the same
// challenge-carrying transaction.
func (r *Registry) FinalizeBinding(actor string, id [32]byte, rawTx []byte, proof *spv.Proof) error {
	binding, err := r.checkFinalizer(actor, id)
	if err != nil {
		return err
	}

	vtx, err := r.cfg.Verifier.Verify(rawTx, proof)
	if err != nil {
		return fmt.Errorf("control transaction failed verification: %w", err)
	}

	if !carriesChallenge(vtx.Tx, binding.Challenge) {
		return bridge.NewError(ErrControlProof, "challenge not found in transaction")
	}
	if !demonstratesControl(vtx.Tx, binding) {
		return bridge.NewError(ErrControlProof,
			fmt.Sprintf("no control demonstration for %s address", binding.class))
	}

	return r.commitBinding(binding)
}

// FinalizeBindingSigned completes a binding request with a signed-message
// proof: a DER signature over the double-SHA256 of challenge||address by a
// key whose hash matches the claimed address. Only hash-of-pubkey address
// classes can be proven this way.
func (r *Registry) FinalizeBindingSigned(actor string, id [32]byte, pubKeyB, sigB []byte) error {
	binding, err := r.checkFinalizer(actor, id)
	if err != nil {
		return err
	}
	if binding.class != btc.ScriptP2PKH && binding.class != btc.ScriptP2WPKH {
		return bridge.NewError(ErrControlProof,
			fmt.Sprintf("signed proof unsupported for %s address", binding.class))
	}

	pubKey, err := btcec.ParsePubKey(pubKeyB)
	if err != nil {
		return bridge.NewError(ErrControlProof, fmt.Sprintf("bad pubkey: %v", err))
	}
	sig, err := ecdsa.ParseDERSignature(sigB)
	if err != nil {
		return bridge.NewError(ErrControlProof, fmt.Sprintf("bad signature: %v", err))
	}

	msg := chainhash.DoubleHashB(append(encode.CopySlice(binding.Challenge), binding.Address...))
	if !sig.Verify(msg, pubKey) {
		return bridge.NewError(ErrControlProof, "signature verification failed")
	}

	if !pubKeyMatchesHash(pubKeyB, binding.payToHash, binding.class) {
		return bridge.NewError(ErrControlProof, "public key does not hash to the claimed address")
	}

	return r.commitBinding(binding)
}

// checkFinalizer validates the finalizing actor and the binding's state,
// returning the binding.
func (r *Registry) checkFinalizer(actor string, id [32]byte) (*Binding, error) {
	if !r.cfg.Auth.HasRole(actor, bridge.RoleBinder) {
		return nil, bridge.NewError(bridge.UnauthorizedError, actor)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	binding, found := r.bindings[id]
	if !found {
		return nil, bridge.NewError(ErrUnknownBinding, fmt.Sprintf("%x", id[:6]))
	}
	if binding.Finalized {
		return nil, bridge.NewError(ErrBindingFinalized, fmt.Sprintf("%x", id[:6]))
	}
	if actor == binding.Requester {
		return nil, bridge.NewError(ErrSameParty, actor)
	}
	if encode.UnixMilli(r.now()) > binding.ExpiresMS {
		return nil, bridge.NewError(ErrBindingExpired, fmt.Sprintf("%x", id[:6]))
	}
	return binding, nil
}

// commitBinding marks the binding finalized and adds the wallet to the
// custodian, committing both records atomically.
func (r *Registry) commitBinding(binding *Binding) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if binding.Finalized {
		return bridge.NewError(ErrBindingFinalized, fmt.Sprintf("%x", binding.ID[:6]))
	}
	qc, found := r.qcs[binding.CustodianID]
	if !found {
		return bridge.NewError(ErrUnknownCustodian, binding.CustodianID)
	}

	cp := *qc
	cp.Wallets = append(append([]string(nil), qc.Wallets...), binding.Address)
	finalized := *binding
	finalized.Finalized = true

	err := r.cfg.Store.Update(func(tx db.Tx) error {
		if err := tx.Put(custodianKey(cp.ID), encodeCustodian(&cp)); err != nil {
			return err
		}
		return tx.Put(bindingKey(binding.ID), encodeBinding(&finalized))
	})
	if err != nil {
		return err
	}

	qc.Wallets = cp.Wallets
	binding.Finalized = true
	r.cfg.Log.Infof("bound wallet %s to custodian %s", binding.Address, binding.CustodianID)
	return nil
}

// Wallets returns the custodian's bound wallet addresses.
func (r *Registry) Wallets(custodianID string) ([]string, error) {
	qc, err := r.Custodian(custodianID)
	if err != nil {
		return nil, err
	}
	return qc.Wallets, nil
}

func (r *Registry) storeCustodian(qc *Custodian) error {
	return r.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(custodianKey(qc.ID), encodeCustodian(qc))
	})
}

func (r *Registry) load() error {
	return r.cfg.Store.View(func(tx db.Tx) error {
		err := tx.Iterate([]byte(custodianPrefix), func(_, v []byte) error {
			qc, err := decodeCustodian(v)
			if err != nil {
				return err
			}
			r.qcs[qc.ID] = qc
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Iterate([]byte(bindingPrefix), func(_, v []byte) error {
			binding, err := decodeBinding(v)
			if err != nil {
				return err
			}
			// Re-derive the address hash. A record with an address that no
			// longer decodes is unusable but not fatal to startup.
			binding.payToHash, binding.class, err = btc.AddressPayToHash(binding.Address, r.cfg.ChainParams)
			if err != nil {
				r.cfg.Log.Warnf("dropping binding %x with undecodable address %s",
					binding.ID[:6], binding.Address)
				return nil
			}
			r.bindings[binding.ID] = binding
			return nil
		})
	})
}

// bindingID is the deterministic id of a binding request.
func bindingID(binding *Binding) [32]byte {
	preimage := encode.BuildyBytes{0}.
		AddData([]byte(binding.CustodianID)).
		AddData([]byte(binding.Address)).
		AddData(binding.Challenge).
		AddData([]byte(binding.Requester)).
		AddData(encode.Uint64Bytes(binding.CreatedMS))
	return chainhash.DoubleHashH(preimage)
}

// carriesChallenge scans the transaction's outputs for a data-carrier output
// whose push equals the challenge.
func carriesChallenge(tx *btc.Transaction, challenge []byte) bool {
	for _, txOut := range tx.Outs {
		if data := btc.ExtractDataCarrier(txOut.PkScript); bytes.Equal(data, challenge) {
			return true
		}
	}
	return false
}

// demonstratesControl checks that the transaction proves control of the
// binding's address.
func demonstratesControl(tx *btc.Transaction, binding *Binding) bool {
	if binding.class == btc.ScriptP2PKH {
		for _, txIn := range tx.Ins {
			pubKey := btc.SigScriptPubKey(txIn.SigScript)
			if pubKey != nil && bytes.Equal(btc.Hash160(pubKey), binding.payToHash) {
				return true
			}
		}
		return false
	}
	// For script-hash and witness classes the spend cannot be attributed
	// from the legacy serialization, so control is shown by a round-trip
	// payment to the claimed address within the challenge transaction.
	for _, txOut := range tx.Outs {
		if bytes.Equal(btc.ExtractPayToHash(txOut.PkScript), binding.payToHash) {
			return true
		}
	}
	return false
}

// pubKeyMatchesHash checks a serialized public key against a
// hash-of-pubkey address hash. P2PKH addresses may be derived from either
// serialization; witness programs are compressed-only.
func pubKeyMatchesHash(pubKeyB, payToHash []byte, class btc.ScriptClass) bool {
	if class == btc.ScriptP2WPKH && len(pubKeyB) != 33 {
		return false
	}
	return bytes.Equal(btc.Hash160(pubKeyB), payToHash)
}
