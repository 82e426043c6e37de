// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package watchdog implements the M-of-N enforcement consensus. Independent
// watchdog parties propose and vote on enforcement actions; the moment a
// proposal's positive-vote count first reaches the threshold captured at its
// creation, the action executes synchronously within the deciding vote's
// call, exactly once. Negative votes are recorded for audit but never block
// execution.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/encode"
	"qcbridge.org/qcbridge/server/db"
)

const (
	// ErrUnknownVoter means the actor is not in the voter set.
	ErrUnknownVoter = bridge.ErrorKind("not a watchdog voter")
	// ErrUnknownProposal means no proposal exists under the id.
	ErrUnknownProposal = bridge.ErrorKind("unknown proposal")
	// ErrDoubleVote means the voter already voted on the proposal,
	// regardless of direction.
	ErrDoubleVote = bridge.ErrorKind("already voted")
	// ErrVotingEnded means the proposal's voting deadline has passed.
	ErrVotingEnded = bridge.ErrorKind("voting period ended")
	// ErrProposalClosed means the proposal already executed.
	ErrProposalClosed = bridge.ErrorKind("proposal already executed")
	// ErrBadThreshold means a threshold of zero or above the voter count.
	ErrBadThreshold = bridge.ErrorKind("invalid threshold")
	// ErrVoterExists means the voter is already in the set.
	ErrVoterExists = bridge.ErrorKind("voter already in set")
)

// ProposalType classifies enforcement actions.
type ProposalType uint8

const (
	// StatusChange moves a custodian between lifecycle states, including
	// Terminated.
	StatusChange ProposalType = iota
	// RedemptionDefault resolves a timed-out redemption against the
	// custodian.
	RedemptionDefault
	// ForceIntervention directs an off-protocol intervention. The payload
	// is opaque to this package.
	ForceIntervention
	// ParameterChange adjusts an operational parameter.
	ParameterChange
)

var typeNames = map[ProposalType]string{
	StatusChange:      "status-change",
	RedemptionDefault: "redemption-default",
	ForceIntervention: "force-intervention",
	ParameterChange:   "parameter-change",
}

func (t ProposalType) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return "unknown"
}

// Proposal is an enforcement proposal and its vote record.
type Proposal struct {
	ID            [32]byte
	Type          ProposalType
	Payload       []byte
	Justification string
	Proposer      string
	CreatedMS     uint64
	DeadlineMS    uint64
	// Threshold is captured from the per-type setting at creation time.
	// Later threshold changes never alter an in-flight proposal.
	Threshold uint32
	YesVotes  uint32
	NoVotes   uint32
	Executed  bool
	ExecError string

	votes map[string]bool // voter -> inFavor
}

// Executor carries out a passed proposal. Implemented by the core.
type Executor interface {
	ExecuteProposal(typ ProposalType, payload []byte) error
}

// Config is the Consensus configuration.
type Config struct {
	Auth     bridge.Authorizer
	Store    db.Store
	Log      bridge.Logger
	Executor Executor
	// VotingPeriod is the window during which votes are accepted.
	VotingPeriod time.Duration
	// Thresholds are the per-type positive-vote requirements. Types without
	// an entry default to DefaultThreshold.
	Thresholds map[ProposalType]uint32
	// DefaultThreshold applies to types with no explicit threshold.
	DefaultThreshold uint32
	// Executed, if set, is called after a proposal executes.
	Executed func(prop *Proposal)
}

// Consensus is the M-of-N voting machine. The mutex serializes vote counting
// and execution, so two near-simultaneous deciding votes cannot both trigger.
type Consensus struct {
	cfg Config
	now func() time.Time

	mtx        sync.Mutex
	voters     map[string]struct{}
	thresholds map[ProposalType]uint32
	props      map[[32]byte]*Proposal
}

// New creates a Consensus, loading proposals from the store.
func New(cfg *Config) (*Consensus, error) {
	if cfg.DefaultThreshold == 0 {
		return nil, bridge.NewError(ErrBadThreshold, "default threshold zero")
	}
	c := &Consensus{
		cfg:        *cfg,
		now:        time.Now,
		voters:     make(map[string]struct{}),
		thresholds: make(map[ProposalType]uint32),
		props:      make(map[[32]byte]*Proposal),
	}
	for typ, m := range cfg.Thresholds {
		c.thresholds[typ] = m
	}
	if err := c.load(); err != nil {
		return nil, fmt.Errorf("error loading proposals: %w", err)
	}
	return c, nil
}

// AddVoter adds an actor to the voter set. Admin only. The actor must also
// hold the watchdog role with the Authorizer.
func (c *Consensus) AddVoter(actor, voter string) error {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, found := c.voters[voter]; found {
		return bridge.NewError(ErrVoterExists, voter)
	}
	c.voters[voter] = struct{}{}
	return nil
}

// RemoveVoter removes an actor from the voter set. Admin only. Votes already
// cast stand.
func (c *Consensus) RemoveVoter(actor, voter string) error {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, found := c.voters[voter]; !found {
		return bridge.NewError(ErrUnknownVoter, voter)
	}
	delete(c.voters, voter)
	return nil
}

// VoterCount is the size of the voter set.
func (c *Consensus) VoterCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.voters)
}

// SetThreshold changes the positive-vote requirement for a proposal type.
// Open proposals keep the threshold captured at their creation. Admin only.
func (c *Consensus) SetThreshold(actor string, typ ProposalType, m uint32) error {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleAdmin) {
		return bridge.NewError(bridge.UnauthorizedError, actor)
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if m == 0 || int(m) > len(c.voters) {
		return bridge.NewError(ErrBadThreshold,
			fmt.Sprintf("%d of %d voters", m, len(c.voters)))
	}
	c.thresholds[typ] = m
	return nil
}

func (c *Consensus) threshold(typ ProposalType) uint32 {
	if m, found := c.thresholds[typ]; found {
		return m
	}
	return c.cfg.DefaultThreshold
}

// Propose submits an enforcement proposal. The proposer is auto-recorded as
// the first positive vote, so a type with threshold 1 executes immediately.
func (c *Consensus) Propose(actor string, typ ProposalType, payload []byte, justification string) ([32]byte, error) {
	var zeroID [32]byte
	if !c.cfg.Auth.HasRole(actor, bridge.RoleWatchdog) {
		return zeroID, bridge.NewError(bridge.UnauthorizedError, actor)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, found := c.voters[actor]; !found {
		return zeroID, bridge.NewError(ErrUnknownVoter, actor)
	}

	nowMS := encode.UnixMilli(c.now())
	prop := &Proposal{
		Type:          typ,
		Payload:       encode.CopySlice(payload),
		Justification: justification,
		Proposer:      actor,
		CreatedMS:     nowMS,
		DeadlineMS:    nowMS + uint64(c.cfg.VotingPeriod.Milliseconds()),
		Threshold:     c.threshold(typ),
		YesVotes:      1,
		votes:         map[string]bool{actor: true},
	}
	prop.ID = proposalID(prop)
	if _, found := c.props[prop.ID]; found {
		return zeroID, bridge.NewError(ErrProposalClosed, "duplicate proposal")
	}

	if err := c.storeProposal(prop); err != nil {
		return zeroID, err
	}
	c.props[prop.ID] = prop
	c.cfg.Log.Infof("proposal %x (%s) by %s: %s", prop.ID[:6], typ, actor, justification)

	// The proposer's auto-vote can pass a threshold-1 proposal outright.
	if prop.YesVotes >= prop.Threshold {
		c.execute(prop)
	}
	return prop.ID, nil
}

// Vote casts a vote. Only positive votes count toward the threshold;
// negative votes are recorded for audit. The returned bool reports whether
// this vote triggered execution.
func (c *Consensus) Vote(actor string, id [32]byte, inFavor bool) (bool, error) {
	if !c.cfg.Auth.HasRole(actor, bridge.RoleWatchdog) {
		return false, bridge.NewError(bridge.UnauthorizedError, actor)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, found := c.voters[actor]; !found {
		return false, bridge.NewError(ErrUnknownVoter, actor)
	}
	prop, found := c.props[id]
	if !found {
		return false, bridge.NewError(ErrUnknownProposal, fmt.Sprintf("%x", id[:6]))
	}
	if prop.Executed {
		return false, bridge.NewError(ErrProposalClosed, fmt.Sprintf("%x", id[:6]))
	}
	if encode.UnixMilli(c.now()) > prop.DeadlineMS {
		return false, bridge.NewError(ErrVotingEnded,
			fmt.Sprintf("deadline %s", encode.UnixTimeMilli(prop.DeadlineMS)))
	}
	if _, voted := prop.votes[actor]; voted {
		return false, bridge.NewError(ErrDoubleVote, actor)
	}

	// Stage, persist, then apply, so a failed store write leaves the count
	// unchanged.
	cp := *prop
	cp.votes = make(map[string]bool, len(prop.votes)+1)
	for voter, inFavor := range prop.votes {
		cp.votes[voter] = inFavor
	}
	cp.votes[actor] = inFavor
	if inFavor {
		cp.YesVotes++
	} else {
		cp.NoVotes++
	}
	if err := c.storeProposal(&cp); err != nil {
		return false, err
	}
	*prop = cp

	if inFavor && prop.YesVotes >= prop.Threshold {
		c.execute(prop)
		return true, nil
	}
	return false, nil
}

// execute runs the proposal's action. Called with the mutex held, at most
// once per proposal: Executed is set before the executor runs, so re-entry
// and repeat votes cannot re-execute.
func (c *Consensus) execute(prop *Proposal) {
	prop.Executed = true
	if err := c.cfg.Executor.ExecuteProposal(prop.Type, prop.Payload); err != nil {
		prop.ExecError = err.Error()
		c.cfg.Log.Errorf("proposal %x (%s) execution failed: %v", prop.ID[:6], prop.Type, err)
	} else {
		c.cfg.Log.Infof("proposal %x (%s) executed at %d of %d votes",
			prop.ID[:6], prop.Type, prop.YesVotes, prop.Threshold)
	}
	if err := c.storeProposal(prop); err != nil {
		c.cfg.Log.Errorf("error storing executed proposal %x: %v", prop.ID[:6], err)
	}
	if c.cfg.Executed != nil {
		cp := *prop
		c.cfg.Executed(&cp)
	}
}

// Proposal returns a copy of the proposal.
func (c *Consensus) Proposal(id [32]byte) (*Proposal, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	prop, found := c.props[id]
	if !found {
		return nil, bridge.NewError(ErrUnknownProposal, fmt.Sprintf("%x", id[:6]))
	}
	cp := *prop
	return &cp, nil
}

// HasVoted reports whether the voter has voted on the proposal, and the
// direction if so.
func (c *Consensus) HasVoted(id [32]byte, voter string) (voted, inFavor bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	prop, found := c.props[id]
	if !found {
		return false, false
	}
	inFavor, voted = prop.votes[voter]
	return
}

func (c *Consensus) storeProposal(prop *Proposal) error {
	return c.cfg.Store.Update(func(tx db.Tx) error {
		return tx.Put(proposalKey(prop.ID), encodeProposal(prop))
	})
}

func (c *Consensus) load() error {
	return c.cfg.Store.View(func(tx db.Tx) error {
		return tx.Iterate([]byte(proposalPrefix), func(_, v []byte) error {
			prop, err := decodeProposal(v)
			if err != nil {
				return err
			}
			c.props[prop.ID] = prop
			return nil
		})
	})
}

// proposalID is the deterministic id of a proposal.
func proposalID(prop *Proposal) [32]byte {
	preimage := encode.BuildyBytes{byte(prop.Type)}.
		AddData(prop.Payload).
		AddData([]byte(prop.Proposer)).
		AddData(encode.Uint64Bytes(prop.CreatedMS))
	return chainhash.DoubleHashH(preimage)
}
