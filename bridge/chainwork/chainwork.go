// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package chainwork converts Bitcoin's compact difficulty representation to
// 256-bit targets and accounts the proof-of-work a slice of block headers
// represents. The Oracle holds externally synchronized difficulty for the
// current and previous retarget epochs; headers claiming any other difficulty
// are rejected rather than trusted.
package chainwork

import (
	"fmt"
	"math/big"
	"sync"

	"qcbridge.org/qcbridge/bridge"
)

const (
	// ErrUnknownEpoch means a header advertised a difficulty that matches
	// neither the oracle's current nor previous epoch.
	ErrUnknownEpoch = bridge.ErrorKind("difficulty not from a known epoch")
	// ErrZeroTarget means a compact difficulty unpacked to a zero or
	// negative target, which no valid header carries.
	ErrZeroTarget = bridge.ErrorKind("zero or negative difficulty target")
)

// oneLsh256 is 1 shifted left 256 bits. All work arithmetic is done on
// big.Ints, so sums over arbitrarily many headers cannot overflow.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// CompactToBig unpacks the compact 32-bit representation of a 256-bit target:
// one byte of base-256 exponent and three bytes of mantissa, with bit
// 0x00800000 as a sign flag.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	// The exponent is the full byte length of the number, with the mantissa
	// holding its three most significant bytes.
	var n *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		n = big.NewInt(int64(mantissa))
	} else {
		n = big.NewInt(int64(mantissa))
		n.Lsh(n, 8*(exponent-3))
	}

	if isNegative {
		n.Neg(n)
	}
	return n
}

// BigToCompact packs a big integer into compact representation. It is the
// inverse of CompactToBig modulo the precision lost to the 3-byte mantissa.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		// Keep only the three most significant bytes.
		tn := new(big.Int).Rsh(new(big.Int).Abs(n), 8*(exponent-3))
		mantissa = uint32(tn.Bits()[0])
	}

	// A mantissa with the sign bit set must be shifted down a byte with a
	// corresponding bump of the exponent.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}
	return compact
}

// CalcWork computes the expected number of hashes a header meeting the
// compact target represents: 2^256 / (target + 1). Invalid (zero or
// negative) targets contribute zero work.
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return new(big.Int)
	}
	denominator := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denominator)
}

// Oracle supplies the compact difficulty of the current and previous
// retarget epochs. The values are fed by an external, already-synchronized
// source; the oracle does not itself follow the Bitcoin chain.
type Oracle struct {
	mtx          sync.RWMutex
	currentBits  uint32
	previousBits uint32
}

// NewOracle creates an Oracle primed with the current and previous epoch
// compact difficulties.
func NewOracle(currentBits, previousBits uint32) (*Oracle, error) {
	for _, bits := range []uint32{currentBits, previousBits} {
		if CompactToBig(bits).Sign() <= 0 {
			return nil, bridge.NewError(ErrZeroTarget, fmt.Sprintf("bits %08x", bits))
		}
	}
	return &Oracle{
		currentBits:  currentBits,
		previousBits: previousBits,
	}, nil
}

// Update rotates in the compact difficulty of a new retarget epoch. The old
// current epoch becomes the previous epoch.
func (o *Oracle) Update(bits uint32) error {
	if CompactToBig(bits).Sign() <= 0 {
		return bridge.NewError(ErrZeroTarget, fmt.Sprintf("bits %08x", bits))
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.previousBits = o.currentBits
	o.currentBits = bits
	return nil
}

// Bits returns the current and previous epoch compact difficulties.
func (o *Oracle) Bits() (current, previous uint32) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.currentBits, o.previousBits
}

// CheckEpoch rejects a header difficulty that is not exactly the current or
// previous epoch difficulty. Anything else is either stale beyond the
// supported window or fabricated.
func (o *Oracle) CheckEpoch(bits uint32) error {
	current, previous := o.Bits()
	if bits != current && bits != previous {
		return bridge.NewError(ErrUnknownEpoch,
			fmt.Sprintf("bits %08x, known epochs %08x and %08x", bits, current, previous))
	}
	return nil
}

// RequiredWork is the cumulative work of requiredConfs headers at the
// current epoch difficulty.
func (o *Oracle) RequiredWork(requiredConfs uint32) *big.Int {
	current, _ := o.Bits()
	work := CalcWork(current)
	return work.Mul(work, big.NewInt(int64(requiredConfs)))
}

// AccumulateWork sums the work of each header's compact difficulty after
// checking that each belongs to a known epoch.
func (o *Oracle) AccumulateWork(bitsList []uint32) (*big.Int, error) {
	total := new(big.Int)
	for i, bits := range bitsList {
		if err := o.CheckEpoch(bits); err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		total.Add(total, CalcWork(bits))
	}
	return total, nil
}

// MeetsMinimumWork reports whether the headers' cumulative work is at least
// requiredConfs average-difficulty confirmations at the current epoch.
func (o *Oracle) MeetsMinimumWork(bitsList []uint32, requiredConfs uint32) (bool, error) {
	total, err := o.AccumulateWork(bitsList)
	if err != nil {
		return false, err
	}
	return total.Cmp(o.RequiredWork(requiredConfs)) >= 0, nil
}
