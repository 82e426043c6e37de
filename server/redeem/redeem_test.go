// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package redeem

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/btc"
	"qcbridge.org/qcbridge/server/db"
	"qcbridge.org/qcbridge/server/spv"
)

const (
	tQC        = "qc-alpha"
	tRequester = "holder-1"

	// tDest is a known mainnet P2WPKH address with witness program
	// 751e76e8199196d454941c45d1b3a323f1433bd6.
	tDest = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

var tNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type tLedger struct {
	minted map[string]uint64
	burned uint64
}

func (l *tLedger) MintedAmount(custodianID string) (uint64, error) {
	return l.minted[custodianID], nil
}

func (l *tLedger) ReduceMinted(custodianID string, amount uint64) error {
	l.minted[custodianID] -= amount
	l.burned += amount
	return nil
}

type tChecker struct {
	active map[string]bool
}

func (c *tChecker) IsActive(custodianID string) bool { return c.active[custodianID] }

type tVerifier struct {
	err error
}

func (v *tVerifier) Verify(rawTx []byte, _ *spv.Proof) (*spv.VerifiedTx, error) {
	if v.err != nil {
		return nil, v.err
	}
	tx, err := btc.ParseTransaction(rawTx)
	if err != nil {
		return nil, err
	}
	return &spv.VerifiedTx{TxID: tx.TxHash(), Tx: tx}, nil
}

type tHarness struct {
	mgr     *Manager
	ledger  *tLedger
	checker *tChecker
	changes []statusChange
}

type statusChange struct {
	id       [32]byte
	old, new Status
}

func newTestHarness(t *testing.T, store db.Store) *tHarness {
	t.Helper()
	h := &tHarness{
		ledger:  &tLedger{minted: map[string]uint64{tQC: 5000}},
		checker: &tChecker{active: map[string]bool{tQC: true}},
	}
	mgr, err := New(&Config{
		Store:         store,
		Log:           bridge.Disabled,
		Verifier:      &tVerifier{},
		Reserves:      h.ledger,
		Custodians:    h.checker,
		ChainParams:   &chaincfg.MainNetParams,
		MinRedemption: 1000,
		MaxRedemption: 100_000,
		Timeout:       time.Hour,
		Grace:         10 * time.Minute,
		FeeTolerance:  50,
		StateChanged: func(red *Redemption, old Status) {
			h.changes = append(h.changes, statusChange{red.ID, old, red.Status})
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	mgr.now = func() time.Time { return tNow }
	h.mgr = mgr
	return h
}

// paymentTx assembles a transaction paying value sats to the P2WPKH witness
// program of tDest.
func paymentTx(t *testing.T, value uint64) []byte {
	t.Helper()
	destHash, _, err := btc.AddressPayToHash(tDest, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	var b []byte
	b = append(b, 1, 0, 0, 0) // version
	b = append(b, 1)          // one input
	b = append(b, make([]byte, 32)...)
	b = append(b, 0, 0, 0, 0)
	b = append(b, 0) // empty sig script
	b = append(b, 0xff, 0xff, 0xff, 0xff)
	b = append(b, 1) // one output
	var valueB [8]byte
	binary.LittleEndian.PutUint64(valueB[:], value)
	b = append(b, valueB[:]...)
	b = append(b, 22, 0x00, 0x14)
	b = append(b, destHash...)
	b = append(b, 0, 0, 0, 0) // lock time
	return b
}

func TestInitiate(t *testing.T) {
	h := newTestHarness(t, db.NewMemStore())

	if _, err := h.mgr.Initiate(tRequester, "nobody", 3000, tDest); !errors.Is(err, ErrCustodianNotActive) {
		t.Fatalf("inactive custodian error = %v", err)
	}
	for _, amount := range []uint64{999, 100_001} {
		if _, err := h.mgr.Initiate(tRequester, tQC, amount, tDest); !errors.Is(err, ErrAmountOutOfBounds) {
			t.Fatalf("amount %d error = %v", amount, err)
		}
	}
	if _, err := h.mgr.Initiate(tRequester, tQC, 3000, "garbage"); err == nil {
		t.Fatal("Initiate accepted a garbage destination")
	}

	id, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest)
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	red, err := h.mgr.Redemption(id)
	if err != nil {
		t.Fatalf("Redemption error: %v", err)
	}
	if red.Status != Pending || red.Amount != 3000 || red.CustodianID != tQC ||
		red.DeadlineMS != red.CreatedMS+uint64(time.Hour.Milliseconds()) {
		t.Fatalf("redemption = %+v", red)
	}
	if pending := h.mgr.PendingForCustodian(tQC); pending != 3000 {
		t.Fatalf("pending = %d", pending)
	}

	// Minted 5000 with 3000 escrowed cannot cover another 3000.
	if _, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest); !errors.Is(err, ErrInsufficientMinted) {
		t.Fatalf("over-escrow error = %v", err)
	}
	// But 2000 fits exactly.
	if _, err := h.mgr.Initiate(tRequester, tQC, 2000, tDest); err != nil {
		t.Fatalf("Initiate to the escrow limit error: %v", err)
	}
}

func TestRecordFulfillment(t *testing.T) {
	h := newTestHarness(t, db.NewMemStore())
	id, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.RecordFulfillment([32]byte{1}, tDest, 3000, paymentTx(t, 3000), nil); !errors.Is(err, ErrUnknownRedemption) {
		t.Fatalf("unknown redemption error = %v", err)
	}
	if err := h.mgr.RecordFulfillment(id, "bc1qother", 3000, paymentTx(t, 3000), nil); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("wrong address error = %v", err)
	}
	// 2949 + 50 tolerance < 3000.
	if err := h.mgr.RecordFulfillment(id, tDest, 2949, paymentTx(t, 2949), nil); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("short payment error = %v", err)
	}
	// The claim is in tolerance but the transaction pays less than claimed.
	if err := h.mgr.RecordFulfillment(id, tDest, 3000, paymentTx(t, 2999), nil); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("underpaying tx error = %v", err)
	}

	// 2950 sats is exactly within fee tolerance of 3000.
	rawTx := paymentTx(t, 2950)
	if err := h.mgr.RecordFulfillment(id, tDest, 2950, rawTx, nil); err != nil {
		t.Fatalf("RecordFulfillment error: %v", err)
	}
	red, _ := h.mgr.Redemption(id)
	if red.Status != Fulfilled {
		t.Fatalf("status = %s", red.Status)
	}
	wantTxID := chainhash.DoubleHashH(rawTx)
	if red.FulfillmentTxID != wantTxID {
		t.Fatalf("fulfillment txid = %s, want %s", red.FulfillmentTxID, wantTxID)
	}
	// The full requested amount burns, escrow releases.
	if h.ledger.burned != 3000 {
		t.Fatalf("burned = %d", h.ledger.burned)
	}
	if pending := h.mgr.PendingForCustodian(tQC); pending != 0 {
		t.Fatalf("pending after fulfillment = %d", pending)
	}
	if len(h.changes) != 1 || h.changes[0] != (statusChange{id, Pending, Fulfilled}) {
		t.Fatalf("changes = %+v", h.changes)
	}

	// Terminal states are final.
	if err := h.mgr.RecordFulfillment(id, tDest, 3000, paymentTx(t, 3000), nil); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("re-fulfill error = %v", err)
	}
}

func TestFulfillmentDeadline(t *testing.T) {
	h := newTestHarness(t, db.NewMemStore())
	id, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest)
	if err != nil {
		t.Fatal(err)
	}

	// Proof of a pre-deadline payment is accepted through the grace window.
	h.mgr.now = func() time.Time { return tNow.Add(time.Hour + 9*time.Minute) }
	if err := h.mgr.RecordFulfillment(id, tDest, 3000, paymentTx(t, 3000), nil); err != nil {
		t.Fatalf("in-grace fulfillment error: %v", err)
	}

	id2, err := h.mgr.Initiate(tRequester, tQC, 2000, tDest)
	if err != nil {
		t.Fatal(err)
	}
	h.mgr.now = func() time.Time { return tNow.Add(2*time.Hour + 20*time.Minute) }
	if err := h.mgr.RecordFulfillment(id2, tDest, 2000, paymentTx(t, 2000), nil); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("post-grace fulfillment error = %v", err)
	}
}

func TestExpireAndDefault(t *testing.T) {
	h := newTestHarness(t, db.NewMemStore())
	id, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.Expire(id); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early Expire error = %v", err)
	}
	if err := h.mgr.MarkDefaulted(id, "missed"); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early MarkDefaulted error = %v", err)
	}

	h.mgr.now = func() time.Time { return tNow.Add(time.Hour + time.Millisecond) }
	if err := h.mgr.Expire(id); err != nil {
		t.Fatalf("Expire error: %v", err)
	}
	red, _ := h.mgr.Redemption(id)
	if red.Status != TimedOut {
		t.Fatalf("status = %s", red.Status)
	}
	if pending := h.mgr.PendingForCustodian(tQC); pending != 0 {
		t.Fatalf("pending after expiry = %d", pending)
	}
	if err := h.mgr.Expire(id); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("re-Expire error = %v", err)
	}

	if err := h.mgr.MarkDefaulted(id, "consensus"); err != nil {
		t.Fatalf("MarkDefaulted error: %v", err)
	}
	red, _ = h.mgr.Redemption(id)
	if red.Status != Defaulted {
		t.Fatalf("status = %s", red.Status)
	}
	if err := h.mgr.MarkDefaulted(id, "again"); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("re-default error = %v", err)
	}

	// A Pending redemption past its deadline may be defaulted directly.
	id2, err := h.mgr.Initiate(tRequester, tQC, 2000, tDest)
	if err != nil {
		t.Fatal(err)
	}
	h.mgr.now = func() time.Time { return tNow.Add(3 * time.Hour) }
	if err := h.mgr.MarkDefaulted(id2, "missed entirely"); err != nil {
		t.Fatalf("direct default error: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	store := db.NewMemStore()
	h := newTestHarness(t, store)
	id, err := h.mgr.Initiate(tRequester, tQC, 3000, tDest)
	if err != nil {
		t.Fatal(err)
	}

	h2 := newTestHarness(t, store)
	red, err := h2.mgr.Redemption(id)
	if err != nil || red.Status != Pending || red.Amount != 3000 {
		t.Fatalf("reloaded redemption = %+v, %v", red, err)
	}
	if pending := h2.mgr.PendingForCustodian(tQC); pending != 3000 {
		t.Fatalf("reloaded escrow = %d", pending)
	}

	// The nonce survives the reload, so an identical request gets a new id.
	id2, err := h2.mgr.Initiate(tRequester, tQC, 2000, tDest)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Fatal("reloaded manager reissued an id")
	}
	// Fulfillment of the restored redemption still works.
	if err := h2.mgr.RecordFulfillment(id, tDest, 3000, paymentTx(t, 3000), nil); err != nil {
		t.Fatalf("fulfillment after reload error: %v", err)
	}
}
