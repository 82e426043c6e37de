// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core wires the verification components into the bridge's
// settlement core: the reserve ledger gates minting, SPV-verified payments
// advance redemptions and wallet bindings, and watchdog consensus executes
// the enforcement actions automated rules cannot take alone.
package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/chainwork"
	"qcbridge.org/qcbridge/server/db"
	"qcbridge.org/qcbridge/server/redeem"
	"qcbridge.org/qcbridge/server/registry"
	"qcbridge.org/qcbridge/server/reserve"
	"qcbridge.org/qcbridge/server/spv"
	"qcbridge.org/qcbridge/server/watchdog"
)

const (
	// ErrMintGated means minting is blocked by custodian status or a stale
	// attestation rather than by capacity.
	ErrMintGated = bridge.ErrorKind("minting gated")
	// ErrBadPayload means a proposal payload failed to decode during
	// execution.
	ErrBadPayload = bridge.ErrorKind("bad proposal payload")
	// ErrBadParameter means a parameter-change proposal named an unknown
	// parameter.
	ErrBadParameter = bridge.ErrorKind("unknown parameter")
)

// Config is the top-level configuration of the settlement core.
type Config struct {
	Store       db.Store
	LogMaker    *bridge.LoggerMaker
	Auth        bridge.Authorizer
	ChainParams *chaincfg.Params

	// Difficulty oracle seed: compact bits of the current and previous
	// Bitcoin retarget epochs, fed thereafter via UpdateDifficulty.
	CurrentBits, PreviousBits uint32
	// RequiredConfs is the cumulative-work requirement for SPV proofs.
	RequiredConfs uint32
	// RequireCoinbaseAnchor makes coinbase anchoring of SPV proofs
	// mandatory.
	RequireCoinbaseAnchor bool

	MaxAttestationAge time.Duration
	StaleThreshold    time.Duration

	BindingTTL time.Duration

	MinRedemption, MaxRedemption uint64
	RedemptionTimeout            time.Duration
	RedemptionGrace              time.Duration
	FeeTolerance                 uint64

	VotingPeriod     time.Duration
	DefaultThreshold uint32
	Thresholds       map[watchdog.ProposalType]uint32
}

// Core is the assembled settlement-verification core.
type Core struct {
	cfg      Config
	log      bridge.Logger
	oracle   *chainwork.Oracle
	verifier *spv.Verifier
	reserves *reserve.Ledger
	registry *registry.Registry
	redeemer *redeem.Manager
	watchers *watchdog.Consensus

	feed *feed
}

// New assembles a Core.
func New(cfg *Config) (*Core, error) {
	log := cfg.LogMaker.NewLogger("CORE")

	oracle, err := chainwork.NewOracle(cfg.CurrentBits, cfg.PreviousBits)
	if err != nil {
		return nil, fmt.Errorf("error creating difficulty oracle: %w", err)
	}
	verifier := spv.NewVerifier(spv.Config{
		Oracle:                oracle,
		RequiredConfs:         cfg.RequiredConfs,
		RequireCoinbaseAnchor: cfg.RequireCoinbaseAnchor,
	})

	c := &Core{
		cfg:      *cfg,
		log:      log,
		oracle:   oracle,
		verifier: verifier,
		feed:     newFeed(),
	}

	c.reserves, err = reserve.New(&reserve.Config{
		Auth:              cfg.Auth,
		Store:             cfg.Store,
		Log:               cfg.LogMaker.NewLogger("RSRV"),
		Trigger:           c,
		MaxAttestationAge: cfg.MaxAttestationAge,
		StaleThreshold:    cfg.StaleThreshold,
	})
	if err != nil {
		return nil, err
	}

	c.registry, err = registry.New(&registry.Config{
		Auth:          cfg.Auth,
		Store:         cfg.Store,
		Log:           cfg.LogMaker.NewLogger("RGST"),
		Verifier:      verifier,
		ChainParams:   cfg.ChainParams,
		BindingTTL:    cfg.BindingTTL,
		StatusChanged: c.custodianStatusChanged,
	})
	if err != nil {
		return nil, err
	}

	c.redeemer, err = redeem.New(&redeem.Config{
		Store:         cfg.Store,
		Log:           cfg.LogMaker.NewLogger("RDEM"),
		Verifier:      verifier,
		Reserves:      c.reserves,
		Custodians:    c.registry,
		ChainParams:   cfg.ChainParams,
		MinRedemption: cfg.MinRedemption,
		MaxRedemption: cfg.MaxRedemption,
		Timeout:       cfg.RedemptionTimeout,
		Grace:         cfg.RedemptionGrace,
		FeeTolerance:  cfg.FeeTolerance,
		StateChanged:  c.redemptionStateChanged,
	})
	if err != nil {
		return nil, err
	}

	c.watchers, err = watchdog.New(&watchdog.Config{
		Auth:             cfg.Auth,
		Store:            cfg.Store,
		Log:              cfg.LogMaker.NewLogger("WDOG"),
		Executor:         c,
		VotingPeriod:     cfg.VotingPeriod,
		Thresholds:       cfg.Thresholds,
		DefaultThreshold: cfg.DefaultThreshold,
		Executed:         c.proposalExecuted,
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Run blocks until the context is canceled, then shuts down the event feed.
func (c *Core) Run(ctx context.Context) {
	c.log.Infof("settlement core running")
	<-ctx.Done()
	c.feed.close()
}

// Registry exposes the custodian registry.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Reserves exposes the reserve ledger.
func (c *Core) Reserves() *reserve.Ledger { return c.reserves }

// Redemptions exposes the redemption state machine.
func (c *Core) Redemptions() *redeem.Manager { return c.redeemer }

// Watchdogs exposes the watchdog consensus.
func (c *Core) Watchdogs() *watchdog.Consensus { return c.watchers }

// Verifier exposes the SPV verifier.
func (c *Core) Verifier() *spv.Verifier { return c.verifier }

// UpdateDifficulty rotates a new retarget epoch difficulty into the oracle.
// Admin only.
func (c *Core) UpdateDifficulty(actor string, bits uint32) error {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	return c.oracle.Update(bits)
}

// RegisterCustodian registers a custodian and tracks its reserves with the
// given minting cap.
func (c *Core) RegisterCustodian(actor, custodianID string, maxCap uint64) error {
	if err := c.registry.Register(actor, custodianID); err != nil {
		return err
	}
	return c.reserves.Track(custodianID, maxCap)
}

// SubmitAttestation records a custodian reserve attestation and emits an
// event.
func (c *Core) SubmitAttestation(actor, custodianID string, balance, stampMS uint64) error {
	if err := c.reserves.SubmitAttestation(actor, custodianID, balance, stampMS); err != nil {
		return err
	}
	c.feed.emit(&Event{
		Type: NoteAttestation,
		Attestation: &AttestationNote{
			CustodianID: custodianID,
			Balance:     balance,
			StampMS:     stampMS,
		},
	})
	return nil
}

// Mint authorizes minting of amount against the custodian's attested
// reserves. The custodian must be Active with a fresh attestation, and the
// amount must fit available capacity. On success the custodian's minted
// amount is increased; the token-side mint is the host ledger's concern.
func (c *Core) Mint(actor, custodianID string, amount uint64) error {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleCustodian) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	if !c.registry.IsActive(custodianID) {
		return bridge.NewError(ErrMintGated, fmt.Sprintf("custodian %s not active", custodianID))
	}
	stale, err := c.reserves.IsStale(custodianID, time.Now())
	if err != nil {
		return err
	}
	if stale {
		return bridge.NewError(ErrMintGated, "attestation stale")
	}
	return c.reserves.AddMinted(custodianID, amount)
}

// InitiateRedemption opens a redemption.
func (c *Core) InitiateRedemption(requester, custodianID string, amount uint64, destAddr string) ([32]byte, error) {
	return c.redeemer.Initiate(requester, custodianID, amount, destAddr)
}

// RecordRedemptionFulfillment proves a redemption payment.
func (c *Core) RecordRedemptionFulfillment(id [32]byte, claimedAddr string, claimedAmount uint64, rawTx []byte, proof *spv.Proof) error {
	return c.redeemer.RecordFulfillment(id, claimedAddr, claimedAmount, rawTx, proof)
}

// ExpireRedemption times out a redemption past its deadline.
func (c *Core) ExpireRedemption(id [32]byte) error {
	return c.redeemer.Expire(id)
}

// RequestWalletBinding opens a wallet-binding request.
func (c *Core) RequestWalletBinding(actor, custodianID, btcAddr string, challenge []byte) ([32]byte, error) {
	return c.registry.RequestBinding(actor, custodianID, btcAddr, challenge)
}

// FinalizeWalletBinding completes a binding with an SPV control proof and
// emits an event.
func (c *Core) FinalizeWalletBinding(actor string, id [32]byte, rawTx []byte, proof *spv.Proof) error {
	if err := c.registry.FinalizeBinding(actor, id, rawTx, proof); err != nil {
		return err
	}
	c.emitBindingNote(id)
	return nil
}

// FinalizeWalletBindingSigned completes a binding with a signed-message
// proof and emits an event.
func (c *Core) FinalizeWalletBindingSigned(actor string, id [32]byte, pubKey, sig []byte) error {
	if err := c.registry.FinalizeBindingSigned(actor, id, pubKey, sig); err != nil {
		return err
	}
	c.emitBindingNote(id)
	return nil
}

// ProposeAction submits a watchdog proposal.
func (c *Core) ProposeAction(actor string, typ watchdog.ProposalType, payload []byte, justification string) ([32]byte, error) {
	return c.watchers.Propose(actor, typ, payload, justification)
}

// Vote casts a watchdog vote, reporting whether it triggered execution.
func (c *Core) Vote(actor string, id [32]byte, inFavor bool) (bool, error) {
	return c.watchers.Vote(actor, id, inFavor)
}

// FlagUndercollateralized implements reserve.ReviewTrigger: an attestation
// revealed minted > attested, so the custodian is frozen for review.
func (c *Core) FlagUndercollateralized(custodianID string, minted, attested uint64) {
	reason := fmt.Sprintf("undercollateralized: minted %d > attested %d", minted, attested)
	if err := c.registry.FlagUnderReview(custodianID, reason); err != nil {
		c.log.Errorf("error flagging custodian %s for review: %v", custodianID, err)
	}
}

// ExecuteProposal implements watchdog.Executor, dispatching a passed
// proposal to the component it targets.
func (c *Core) ExecuteProposal(typ watchdog.ProposalType, payload []byte) error {
	switch typ {
	case watchdog.StatusChange:
		p, err := watchdog.DecodeStatusChangePayload(payload)
		if err != nil {
			return bridge.NewError(ErrBadPayload, err.Error())
		}
		switch registry.Status(p.NewStatus) {
		case registry.Terminated:
			return c.registry.Terminate(p.CustodianID, p.Reason)
		case registry.Active:
			return c.registry.FlagActive(p.CustodianID, p.Reason)
		case registry.UnderReview:
			return c.registry.FlagUnderReview(p.CustodianID, p.Reason)
		}
		return bridge.NewError(ErrBadPayload, fmt.Sprintf("status %d", p.NewStatus))

	case watchdog.RedemptionDefault:
		p, err := watchdog.DecodeRedemptionDefaultPayload(payload)
		if err != nil {
			return bridge.NewError(ErrBadPayload, err.Error())
		}
		return c.redeemer.MarkDefaulted(p.RedemptionID, p.Reason)

	case watchdog.ParameterChange:
		p, err := watchdog.DecodeParameterChangePayload(payload)
		if err != nil {
			return bridge.NewError(ErrBadPayload, err.Error())
		}
		return c.applyParameter(p)

	case watchdog.ForceIntervention:
		p, err := watchdog.DecodeForceInterventionPayload(payload)
		if err != nil {
			return bridge.NewError(ErrBadPayload, err.Error())
		}
		// Interventions are carried out by off-chain tooling watching the
		// event feed. The core's role is the authenticated record.
		c.log.Warnf("forced intervention directed at custodian %s (%d-byte directive)",
			p.CustodianID, len(p.Directive))
		return nil
	}
	return bridge.NewError(ErrBadPayload, fmt.Sprintf("unknown proposal type %d", typ))
}

func (c *Core) applyParameter(p *watchdog.ParameterChangePayload) error {
	switch p.Name {
	case "mintingCap":
		return c.reserves.SetMintingCap(p.Scope, p.Value)
	case "difficultyBits":
		return c.oracle.Update(uint32(p.Value))
	}
	return bridge.NewError(ErrBadParameter, p.Name)
}

// custodianStatusChanged relays registry status changes to the event feed.
func (c *Core) custodianStatusChanged(custodianID string, old, new registry.Status, reason string) {
	c.feed.emit(&Event{
		Type: NoteStatusChange,
		Status: &StatusNote{
			CustodianID: custodianID,
			OldStatus:   old.String(),
			NewStatus:   new.String(),
			Reason:      reason,
		},
	})
}

// redemptionStateChanged relays redemption transitions to the event feed.
func (c *Core) redemptionStateChanged(red *redeem.Redemption, old redeem.Status) {
	c.feed.emit(&Event{
		Type: NoteRedemption,
		Redemption: &RedemptionNote{
			ID:          hex.EncodeToString(red.ID[:]),
			CustodianID: red.CustodianID,
			OldStatus:   old.String(),
			NewStatus:   red.Status.String(),
			Amount:      red.Amount,
			DestAddr:    red.DestAddr,
		},
	})
}

// proposalExecuted relays watchdog executions to the event feed.
func (c *Core) proposalExecuted(prop *watchdog.Proposal) {
	c.feed.emit(&Event{
		Type: NoteProposal,
		Proposal: &ProposalNote{
			ID:        hex.EncodeToString(prop.ID[:]),
			Type:      prop.Type.String(),
			YesVotes:  prop.YesVotes,
			Threshold: prop.Threshold,
			ExecError: prop.ExecError,
		},
	})
}

func (c *Core) emitBindingNote(id [32]byte) {
	c.feed.emit(&Event{
		Type:    NoteBinding,
		Binding: &BindingNote{ID: hex.EncodeToString(id[:])},
	})
}

// SubscribeEvents returns a channel of core events and a cancel function.
func (c *Core) SubscribeEvents() (<-chan *Event, func()) {
	return c.feed.subscribe()
}
