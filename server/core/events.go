// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"sync"
	"time"
)

// Event note type identifiers.
const (
	NoteAttestation  = "attestation"
	NoteStatusChange = "status"
	NoteRedemption   = "redemption"
	NoteProposal     = "proposal"
	NoteBinding      = "binding"
)

// Event is a core notification. Exactly one of the note fields is set,
// matching Type.
type Event struct {
	Type        string           `json:"type"`
	StampMS     uint64           `json:"stamp"`
	Attestation *AttestationNote `json:"attestation,omitempty"`
	Status      *StatusNote      `json:"status,omitempty"`
	Redemption  *RedemptionNote  `json:"redemption,omitempty"`
	Proposal    *ProposalNote    `json:"proposal,omitempty"`
	Binding     *BindingNote     `json:"binding,omitempty"`
}

// AttestationNote reports a recorded reserve attestation.
type AttestationNote struct {
	CustodianID string `json:"custodianId"`
	Balance     uint64 `json:"balance"`
	StampMS     uint64 `json:"timestamp"`
}

// StatusNote reports a custodian status change.
type StatusNote struct {
	CustodianID string `json:"custodianId"`
	OldStatus   string `json:"oldStatus"`
	NewStatus   string `json:"newStatus"`
	Reason      string `json:"reason"`
}

// RedemptionNote reports a redemption state change.
type RedemptionNote struct {
	ID          string `json:"id"`
	CustodianID string `json:"custodianId"`
	OldStatus   string `json:"oldStatus"`
	NewStatus   string `json:"newStatus"`
	Amount      uint64 `json:"amount"`
	DestAddr    string `json:"destAddr"`
}

// ProposalNote reports an executed watchdog proposal.
type ProposalNote struct {
	ID        string `json:"id"`
	Type      string `json:"proposalType"`
	YesVotes  uint32 `json:"yesVotes"`
	Threshold uint32 `json:"threshold"`
	ExecError string `json:"execError,omitempty"`
}

// BindingNote reports a finalized wallet binding.
type BindingNote struct {
	ID string `json:"id"`
}

// feedBuffer is each subscriber's channel capacity. A subscriber that falls
// this far behind starts losing events; the feed never blocks a mutation.
const feedBuffer = 64

type feed struct {
	mtx    sync.Mutex
	nextID uint64
	subs   map[uint64]chan *Event
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[uint64]chan *Event)}
}

func (f *feed) subscribe() (<-chan *Event, func()) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan *Event, feedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[id] = ch
	return ch, func() {
		f.mtx.Lock()
		defer f.mtx.Unlock()
		if sub, found := f.subs[id]; found {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *feed) emit(ev *Event) {
	ev.StampMS = uint64(time.Now().UnixMilli())
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, sub := range f.subs {
		select {
		case sub <- ev:
		default: // slow subscriber
		}
	}
}

func (f *feed) close() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub)
	}
}
