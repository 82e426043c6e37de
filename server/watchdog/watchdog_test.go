// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package watchdog

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/server/db"
)

const tAdmin = "alice"

var (
	tNow    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tVoters = []string{"wd-1", "wd-2", "wd-3", "wd-4", "wd-5"}
)

type tExecutor struct {
	calls   []ProposalType
	payload []byte
	err     error
}

func (x *tExecutor) ExecuteProposal(typ ProposalType, payload []byte) error {
	x.calls = append(x.calls, typ)
	x.payload = payload
	return x.err
}

func newTestConsensus(t *testing.T, store db.Store, executor Executor) *Consensus {
	t.Helper()
	auth := bridge.NewStaticAuth()
	auth.Grant(tAdmin, bridge.RoleAdmin)
	for _, voter := range tVoters {
		auth.Grant(voter, bridge.RoleWatchdog)
	}
	c, err := New(&Config{
		Auth:         auth,
		Store:        store,
		Log:          bridge.Disabled,
		Executor:     executor,
		VotingPeriod: 48 * time.Hour,
		Thresholds: map[ProposalType]uint32{
			StatusChange:    2,
			ParameterChange: 3,
		},
		DefaultThreshold: 2,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	c.now = func() time.Time { return tNow }
	for _, voter := range tVoters {
		if err := c.AddVoter(tAdmin, voter); err != nil {
			t.Fatalf("AddVoter(%s) error: %v", voter, err)
		}
	}
	return c
}

func TestVoterSet(t *testing.T) {
	c := newTestConsensus(t, db.NewMemStore(), &tExecutor{})
	if n := c.VoterCount(); n != 5 {
		t.Fatalf("VoterCount = %d", n)
	}
	if err := c.AddVoter("mallory", "wd-6"); !errors.Is(err, bridge.UnauthorizedError) {
		t.Fatalf("non-admin AddVoter error = %v", err)
	}
	if err := c.AddVoter(tAdmin, "wd-1"); !errors.Is(err, ErrVoterExists) {
		t.Fatalf("duplicate AddVoter error = %v", err)
	}
	if err := c.RemoveVoter(tAdmin, "wd-6"); !errors.Is(err, ErrUnknownVoter) {
		t.Fatalf("RemoveVoter(unknown) error = %v", err)
	}
	if err := c.RemoveVoter(tAdmin, "wd-5"); err != nil {
		t.Fatalf("RemoveVoter error: %v", err)
	}
	if n := c.VoterCount(); n != 4 {
		t.Fatalf("VoterCount after removal = %d", n)
	}

	if err := c.SetThreshold(tAdmin, StatusChange, 0); !errors.Is(err, ErrBadThreshold) {
		t.Fatalf("SetThreshold(0) error = %v", err)
	}
	if err := c.SetThreshold(tAdmin, StatusChange, 5); !errors.Is(err, ErrBadThreshold) {
		t.Fatalf("SetThreshold(above voter count) error = %v", err)
	}
	if err := c.SetThreshold(tAdmin, StatusChange, 4); err != nil {
		t.Fatalf("SetThreshold error: %v", err)
	}
}

func TestConsensusExecution(t *testing.T) {
	executor := &tExecutor{}
	c := newTestConsensus(t, db.NewMemStore(), executor)

	payload := (&StatusChangePayload{CustodianID: "qc-alpha", NewStatus: 3, Reason: "fraud"}).Encode()

	if _, err := c.Propose("mallory", StatusChange, payload, "x"); !errors.Is(err, bridge.UnauthorizedError) {
		t.Fatalf("non-watchdog Propose error = %v", err)
	}
	id, err := c.Propose(tVoters[0], StatusChange, payload, "terminate qc-alpha")
	if err != nil {
		t.Fatalf("Propose error: %v", err)
	}

	prop, err := c.Proposal(id)
	if err != nil {
		t.Fatalf("Proposal error: %v", err)
	}
	// The proposer's auto-vote is the first yes.
	if prop.YesVotes != 1 || prop.Threshold != 2 || prop.Executed {
		t.Fatalf("proposal = %+v", prop)
	}
	if voted, inFavor := c.HasVoted(id, tVoters[0]); !voted || !inFavor {
		t.Fatal("proposer's auto-vote not recorded")
	}

	if _, err := c.Vote(tVoters[0], id, true); !errors.Is(err, ErrDoubleVote) {
		t.Fatalf("proposer re-vote error = %v", err)
	}
	if _, err := c.Vote(tVoters[1], id, true); err != nil {
		t.Fatal(err)
	}
	// A negative vote is recorded but never vetoes.
	if triggered, err := c.Vote(tVoters[1], id, false); err == nil || triggered {
		t.Fatalf("double vote accepted: %v", err)
	}
	// tVoters[1]'s yes was the second of two. Executed exactly once.
	if len(executor.calls) != 1 || executor.calls[0] != StatusChange {
		t.Fatalf("executor calls = %v", executor.calls)
	}
	prop, _ = c.Proposal(id)
	if !prop.Executed || prop.ExecError != "" || prop.YesVotes != 2 {
		t.Fatalf("executed proposal = %+v", prop)
	}

	// Votes after execution are rejected, and nothing re-executes.
	if _, err := c.Vote(tVoters[2], id, true); !errors.Is(err, ErrProposalClosed) {
		t.Fatalf("post-execution vote error = %v", err)
	}
	if len(executor.calls) != 1 {
		t.Fatalf("executor ran %d times", len(executor.calls))
	}

	// The executed payload decodes back to the proposed action.
	decoded, err := DecodeStatusChangePayload(executor.payload)
	if err != nil || decoded.CustodianID != "qc-alpha" || decoded.NewStatus != 3 {
		t.Fatalf("executed payload = %+v, %v", decoded, err)
	}
}

func TestNegativeVotesNeverVeto(t *testing.T) {
	executor := &tExecutor{}
	c := newTestConsensus(t, db.NewMemStore(), executor)

	payload := (&RedemptionDefaultPayload{RedemptionID: [32]byte{1}, Reason: "missed"}).Encode()
	id, err := c.Propose(tVoters[0], RedemptionDefault, payload, "default")
	if err != nil {
		t.Fatal(err)
	}

	// Three no votes do not close a 2-of-5 proposal.
	for _, voter := range tVoters[1:4] {
		if triggered, err := c.Vote(voter, id, false); err != nil || triggered {
			t.Fatalf("no vote by %s: triggered %v, err %v", voter, triggered, err)
		}
	}
	if len(executor.calls) != 0 {
		t.Fatal("executed on negative votes")
	}

	// The second yes still passes it, 2 yes against 3 no.
	triggered, err := c.Vote(tVoters[4], id, true)
	if err != nil || !triggered {
		t.Fatalf("deciding vote: triggered %v, err %v", triggered, err)
	}
	prop, _ := c.Proposal(id)
	if prop.YesVotes != 2 || prop.NoVotes != 3 || !prop.Executed {
		t.Fatalf("proposal = %+v", prop)
	}
}

func TestThresholdCapture(t *testing.T) {
	executor := &tExecutor{}
	c := newTestConsensus(t, db.NewMemStore(), executor)

	payload := (&ParameterChangePayload{Name: "minting-cap", Scope: "qc-alpha", Value: 1000}).Encode()
	id, err := c.Propose(tVoters[0], ParameterChange, payload, "lower cap")
	if err != nil {
		t.Fatal(err)
	}

	// Raising the threshold after creation does not move the goalposts for
	// the open proposal.
	if err := c.SetThreshold(tAdmin, ParameterChange, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Vote(tVoters[1], id, true); err != nil {
		t.Fatal(err)
	}
	if triggered, err := c.Vote(tVoters[2], id, true); err != nil || !triggered {
		t.Fatalf("third vote at captured threshold 3: triggered %v, err %v", triggered, err)
	}

	// A threshold-1 type executes on the proposer's auto-vote.
	if err := c.SetThreshold(tAdmin, ForceIntervention, 1); err != nil {
		t.Fatal(err)
	}
	fiPayload := (&ForceInterventionPayload{CustodianID: "qc-alpha", Directive: []byte("freeze")}).Encode()
	fiID, err := c.Propose(tVoters[0], ForceIntervention, fiPayload, "freeze withdrawals")
	if err != nil {
		t.Fatal(err)
	}
	prop, _ := c.Proposal(fiID)
	if !prop.Executed {
		t.Fatal("threshold-1 proposal did not execute on proposal")
	}
	if len(executor.calls) != 2 {
		t.Fatalf("executor calls = %v", executor.calls)
	}
}

func TestVotingDeadline(t *testing.T) {
	c := newTestConsensus(t, db.NewMemStore(), &tExecutor{})
	id, err := c.Propose(tVoters[0], StatusChange, []byte{0}, "x")
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return tNow.Add(48*time.Hour + time.Millisecond) }
	if _, err := c.Vote(tVoters[1], id, true); !errors.Is(err, ErrVotingEnded) {
		t.Fatalf("post-deadline vote error = %v", err)
	}
}

func TestExecutionFailureRecorded(t *testing.T) {
	executor := &tExecutor{err: fmt.Errorf("registry rejected the transition")}
	c := newTestConsensus(t, db.NewMemStore(), executor)

	id, err := c.Propose(tVoters[0], StatusChange, []byte{0}, "x")
	if err != nil {
		t.Fatal(err)
	}
	if triggered, err := c.Vote(tVoters[1], id, true); err != nil || !triggered {
		t.Fatalf("deciding vote: triggered %v, err %v", triggered, err)
	}
	prop, _ := c.Proposal(id)
	if !prop.Executed || prop.ExecError == "" {
		t.Fatalf("failed execution not recorded: %+v", prop)
	}
	// A failed execution still closes the proposal.
	if _, err := c.Vote(tVoters[2], id, true); !errors.Is(err, ErrProposalClosed) {
		t.Fatalf("vote after failed execution error = %v", err)
	}
}

func TestConsensusReload(t *testing.T) {
	store := db.NewMemStore()
	executor := &tExecutor{}
	c := newTestConsensus(t, store, executor)

	id, err := c.Propose(tVoters[0], StatusChange, []byte{0}, "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Vote(tVoters[1], id, false); err != nil {
		t.Fatal(err)
	}

	// A fresh consensus over the same store restores the proposal and its
	// vote record.
	c2 := newTestConsensus(t, store, executor)
	prop, err := c2.Proposal(id)
	if err != nil || prop.YesVotes != 1 || prop.NoVotes != 1 || prop.Executed {
		t.Fatalf("reloaded proposal = %+v, %v", prop, err)
	}
	if voted, _ := c2.HasVoted(id, tVoters[1]); !voted {
		t.Fatal("reloaded proposal lost a vote")
	}
	if _, err := c2.Vote(tVoters[1], id, true); !errors.Is(err, ErrDoubleVote) {
		t.Fatalf("re-vote after reload error = %v", err)
	}
	// The restored proposal can still pass.
	if triggered, err := c2.Vote(tVoters[2], id, true); err != nil || !triggered {
		t.Fatalf("deciding vote after reload: triggered %v, err %v", triggered, err)
	}
	if len(executor.calls) != 1 {
		t.Fatalf("executor calls = %v", executor.calls)
	}
}
