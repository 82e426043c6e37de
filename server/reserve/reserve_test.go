// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package reserve

import (
	"errors"
	"testing"
	"time"

	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/encode"
	"qcbridge.org/qcbridge/server/db"
)

const (
	tAttester = "oracle-1"
	tStranger = "mallory"
	tQC       = "qc-alpha"
)

type tTrigger struct {
	custodianID      string
	minted, attested uint64
	calls            int
}

func (tr *tTrigger) FlagUndercollateralized(custodianID string, minted, attested uint64) {
	tr.custodianID, tr.minted, tr.attested = custodianID, minted, attested
	tr.calls++
}

var tNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, store db.Store, trigger ReviewTrigger) *Ledger {
	t.Helper()
	auth := bridge.NewStaticAuth()
	auth.Grant(tAttester, bridge.RoleAttester)
	l, err := New(&Config{
		Auth:              auth,
		Store:             store,
		Log:               bridge.Disabled,
		Trigger:           trigger,
		MaxAttestationAge: time.Hour,
		StaleThreshold:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	l.now = func() time.Time { return tNow }
	return l
}

func TestTrackAndAttest(t *testing.T) {
	l := newTestLedger(t, db.NewMemStore(), nil)

	if err := l.Track(tQC, 1000); err != nil {
		t.Fatalf("Track error: %v", err)
	}
	if err := l.Track(tQC, 1000); !errors.Is(err, ErrCustodianExists) {
		t.Fatalf("duplicate Track error = %v, want kind %q", err, ErrCustodianExists)
	}

	stamp := encode.UnixMilli(tNow)
	if err := l.SubmitAttestation(tStranger, tQC, 800, stamp); !errors.Is(err, bridge.UnauthorizedError) {
		t.Fatalf("non-attester error = %v, want kind %q", err, bridge.UnauthorizedError)
	}
	if err := l.SubmitAttestation(tAttester, "nobody", 800, stamp); !errors.Is(err, ErrUnknownCustodian) {
		t.Fatalf("unknown custodian error = %v, want kind %q", err, ErrUnknownCustodian)
	}

	// No attestation yet means zero capacity and a stale custodian.
	if avail, _ := l.AvailableCapacity(tQC); avail != 0 {
		t.Fatalf("pre-attestation capacity = %d", avail)
	}
	if stale, _ := l.IsStale(tQC, tNow); !stale {
		t.Fatal("custodian without attestation not stale")
	}

	if err := l.SubmitAttestation(tAttester, tQC, 800, stamp); err != nil {
		t.Fatalf("SubmitAttestation error: %v", err)
	}
	att, err := l.CurrentAttestation(tQC)
	if err != nil || att == nil {
		t.Fatalf("CurrentAttestation = %v, %v", att, err)
	}
	if att.Balance != 800 || att.StampMS != stamp {
		t.Fatalf("attestation = %+v", att)
	}

	// Capacity is min(cap, attested) since nothing is minted yet.
	if avail, _ := l.AvailableCapacity(tQC); avail != 800 {
		t.Fatalf("capacity = %d, want 800", avail)
	}
	if stale, _ := l.IsStale(tQC, tNow); stale {
		t.Fatal("fresh attestation reported stale")
	}
	if stale, _ := l.IsStale(tQC, tNow.Add(25*time.Hour)); !stale {
		t.Fatal("day-old attestation not stale")
	}
}

func TestAttestationTimestamps(t *testing.T) {
	l := newTestLedger(t, db.NewMemStore(), nil)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	stamp := encode.UnixMilli(tNow)

	tests := []struct {
		name    string
		stampMS uint64
		wantErr bridge.ErrorKind
	}{
		{name: "future", stampMS: stamp + 1, wantErr: ErrFutureTimestamp},
		{name: "too old", stampMS: stamp - uint64(time.Hour.Milliseconds()) - 1, wantErr: ErrExpiredTimestamp},
		{name: "oldest acceptable", stampMS: stamp - uint64(time.Hour.Milliseconds())},
		{name: "current", stampMS: stamp},
		{name: "regression", stampMS: stamp - 1, wantErr: ErrTimestampRegression},
	}
	for _, test := range tests {
		err := l.SubmitAttestation(tAttester, tQC, 500, test.stampMS)
		if test.wantErr != "" {
			if !errors.Is(err, test.wantErr) {
				t.Errorf("%s: error = %v, want kind %q", test.name, err, test.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
		}
	}

	history, err := l.History(tQC)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("%d history entries, want 2", len(history))
	}
	if history[0].StampMS >= history[1].StampMS {
		t.Fatal("history not in timestamp order")
	}
}

func TestEqualTimestampHistory(t *testing.T) {
	store := db.NewMemStore()
	l := newTestLedger(t, store, nil)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	stamp := encode.UnixMilli(tNow)

	// Two attestations with the same timestamp are both accepted, and
	// neither history entry clobbers the other.
	if err := l.SubmitAttestation(tAttester, tQC, 800, stamp); err != nil {
		t.Fatalf("first attestation error: %v", err)
	}
	if err := l.SubmitAttestation(tAttester, tQC, 700, stamp); err != nil {
		t.Fatalf("equal-timestamp attestation error: %v", err)
	}

	history, err := l.History(tQC)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("%d history entries, want 2", len(history))
	}
	if history[0].Balance != 800 || history[1].Balance != 700 {
		t.Fatalf("history balances = %d, %d", history[0].Balance, history[1].Balance)
	}
	att, _ := l.CurrentAttestation(tQC)
	if att.Balance != 700 {
		t.Fatalf("current balance = %d, want 700", att.Balance)
	}

	// A reloaded ledger resumes the history sequence rather than reusing it.
	l2 := newTestLedger(t, store, nil)
	if err := l2.SubmitAttestation(tAttester, tQC, 600, stamp); err != nil {
		t.Fatalf("post-reload attestation error: %v", err)
	}
	if history, _ = l2.History(tQC); len(history) != 3 {
		t.Fatalf("%d history entries after reload, want 3", len(history))
	}
}

func TestMintBurn(t *testing.T) {
	l := newTestLedger(t, db.NewMemStore(), nil)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	if err := l.SubmitAttestation(tAttester, tQC, 800, encode.UnixMilli(tNow)); err != nil {
		t.Fatal(err)
	}

	if err := l.AddMinted(tQC, 500); err != nil {
		t.Fatalf("AddMinted error: %v", err)
	}
	if minted, _ := l.MintedAmount(tQC); minted != 500 {
		t.Fatalf("minted = %d", minted)
	}
	if avail, _ := l.AvailableCapacity(tQC); avail != 300 {
		t.Fatalf("capacity = %d, want 300", avail)
	}

	// The attested balance, not the cap, is the binding limit here.
	if err := l.AddMinted(tQC, 400); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("over-mint error = %v, want kind %q", err, ErrInsufficientCapacity)
	}
	if minted, _ := l.MintedAmount(tQC); minted != 500 {
		t.Fatalf("failed mint changed state: minted = %d", minted)
	}

	if err := l.ReduceMinted(tQC, 600); !errors.Is(err, ErrInsufficientMinted) {
		t.Fatalf("over-burn error = %v, want kind %q", err, ErrInsufficientMinted)
	}
	if err := l.ReduceMinted(tQC, 500); err != nil {
		t.Fatalf("ReduceMinted error: %v", err)
	}
	if avail, _ := l.AvailableCapacity(tQC); avail != 800 {
		t.Fatalf("capacity after burn = %d, want 800", avail)
	}
}

func TestReviewTrigger(t *testing.T) {
	trigger := new(tTrigger)
	l := newTestLedger(t, db.NewMemStore(), trigger)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	stamp := encode.UnixMilli(tNow)
	if err := l.SubmitAttestation(tAttester, tQC, 800, stamp); err != nil {
		t.Fatal(err)
	}
	if err := l.AddMinted(tQC, 500); err != nil {
		t.Fatal(err)
	}

	// A covering attestation does not escalate.
	if err := l.SubmitAttestation(tAttester, tQC, 500, stamp+1); err != nil {
		t.Fatal(err)
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger fired for a covering attestation")
	}

	// Attested 400 < minted 500 escalates, but still records.
	if err := l.SubmitAttestation(tAttester, tQC, 400, stamp+2); err != nil {
		t.Fatal(err)
	}
	if trigger.calls != 1 || trigger.custodianID != tQC || trigger.minted != 500 || trigger.attested != 400 {
		t.Fatalf("trigger = %+v", trigger)
	}
	att, _ := l.CurrentAttestation(tQC)
	if att.Balance != 400 {
		t.Fatalf("undercollateralized attestation not recorded: %+v", att)
	}
	if avail, _ := l.AvailableCapacity(tQC); avail != 0 {
		t.Fatalf("capacity = %d, want 0", avail)
	}
}

func TestSetMintingCap(t *testing.T) {
	l := newTestLedger(t, db.NewMemStore(), nil)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	if err := l.SubmitAttestation(tAttester, tQC, 800, encode.UnixMilli(tNow)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddMinted(tQC, 500); err != nil {
		t.Fatal(err)
	}

	// Lowering the cap below the minted amount zeroes capacity without
	// touching the minted balance.
	if err := l.SetMintingCap(tQC, 100); err != nil {
		t.Fatalf("SetMintingCap error: %v", err)
	}
	if avail, _ := l.AvailableCapacity(tQC); avail != 0 {
		t.Fatalf("capacity = %d, want 0", avail)
	}
	if minted, _ := l.MintedAmount(tQC); minted != 500 {
		t.Fatalf("minted = %d", minted)
	}
	if err := l.SetMintingCap(tQC, 600); err != nil {
		t.Fatal(err)
	}
	if avail, _ := l.AvailableCapacity(tQC); avail != 100 {
		t.Fatalf("capacity = %d, want 100", avail)
	}
	if err := l.SetMintingCap("nobody", 1); !errors.Is(err, ErrUnknownCustodian) {
		t.Fatalf("unknown custodian error = %v", err)
	}
}

func TestLedgerReload(t *testing.T) {
	store := db.NewMemStore()
	l := newTestLedger(t, store, nil)
	if err := l.Track(tQC, 1000); err != nil {
		t.Fatal(err)
	}
	stamp := encode.UnixMilli(tNow)
	if err := l.SubmitAttestation(tAttester, tQC, 800, stamp); err != nil {
		t.Fatal(err)
	}
	if err := l.AddMinted(tQC, 500); err != nil {
		t.Fatal(err)
	}

	// A fresh ledger over the same store restores everything.
	l2 := newTestLedger(t, store, nil)
	if minted, err := l2.MintedAmount(tQC); err != nil || minted != 500 {
		t.Fatalf("reloaded minted = %d, %v", minted, err)
	}
	att, err := l2.CurrentAttestation(tQC)
	if err != nil || att == nil || att.Balance != 800 || att.StampMS != stamp {
		t.Fatalf("reloaded attestation = %+v, %v", att, err)
	}
	if avail, _ := l2.AvailableCapacity(tQC); avail != 300 {
		t.Fatalf("reloaded capacity = %d, want 300", avail)
	}
}
