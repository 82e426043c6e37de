// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package spv verifies simplified-payment-verification proofs: a merkle
// inclusion path from a transaction to a block header's merkle root, plus a
// cumulative proof-of-work check over a chain of headers. Verification is a
// pure function of its inputs; a Verifier retains no per-call state and may
// be shared by any number of goroutines.
package spv

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/bridge/btc"
	"qcbridge.org/qcbridge/bridge/chainwork"
)

const (
	// ErrEmptyHeaders means the proof carried no block headers.
	ErrEmptyHeaders = bridge.ErrorKind("no block headers")
	// ErrEmptyProof means the proof carried no merkle path.
	ErrEmptyProof = bridge.ErrorKind("no merkle proof")
	// ErrRaggedProof means a merkle path's length is not a multiple of 32
	// bytes.
	ErrRaggedProof = bridge.ErrorKind("merkle proof not a multiple of 32 bytes")
	// ErrCoinbaseMismatch means the coinbase preimage and coinbase proof
	// were not supplied together, or the preimage is not 32 bytes.
	ErrCoinbaseMismatch = bridge.ErrorKind("inconsistent coinbase anchor")
	// ErrMerkleMismatch means the recomputed merkle root does not match the
	// root embedded in the anchor block header.
	ErrMerkleMismatch = bridge.ErrorKind("merkle root mismatch")
	// ErrInsufficientWork means the headers do not accumulate the required
	// number of average-difficulty confirmations.
	ErrInsufficientWork = bridge.ErrorKind("insufficient proof-of-work")
)

// Proof is the wire shape of an SPV proof. The transaction's merkle path
// anchors it in the first header; the remaining headers are confirmations
// whose cumulative work is checked against the difficulty oracle.
type Proof struct {
	// MerkleProof is the concatenated 32-byte sibling hashes, leaf to root.
	MerkleProof []byte `json:"merkleProof"`
	// TxIndex is the transaction's position in the block, which determines
	// the left/right ordering at each level of the merkle walk.
	TxIndex uint64 `json:"txIndexInBlock"`
	// Headers is the concatenated 80-byte block headers, anchor first.
	Headers []byte `json:"bitcoinHeaders"`
	// CoinbasePreimage is the 32-byte coinbase commitment used to anchor
	// the proof to the block's first transaction. Optional, but must be
	// supplied together with CoinbaseProof.
	CoinbasePreimage []byte `json:"coinbasePreimage"`
	// CoinbaseProof is the merkle path for the coinbase transaction.
	CoinbaseProof []byte `json:"coinbaseProof"`
}

// VerifiedTx is the product of a successful verification.
type VerifiedTx struct {
	Tx         *btc.Transaction
	TxID       chainhash.Hash
	MerkleRoot chainhash.Hash
	// Confirmations is the number of headers supplied, including the anchor.
	Confirmations uint32
}

// Config is the Verifier's settings.
type Config struct {
	// Oracle bounds the difficulty headers may claim and prices their work.
	Oracle *chainwork.Oracle
	// RequiredConfs is the cumulative work requirement, denominated in
	// average-difficulty confirmations at the current epoch.
	RequiredConfs uint32
	// RequireCoinbaseAnchor, when set, makes the coinbase preimage and
	// proof mandatory rather than optional.
	RequireCoinbaseAnchor bool
}

// Verifier checks SPV proofs. Safe for concurrent use.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify checks that the raw transaction is included in the block whose
// header leads the proof's header chain, and that the chain accumulates
// sufficient work. Every failure mode is a distinct error kind; there is no
// partial success.
func (v *Verifier) Verify(rawTx []byte, proof *Proof) (*VerifiedTx, error) {
	if len(proof.Headers) == 0 {
		return nil, ErrEmptyHeaders
	}
	if len(proof.MerkleProof) == 0 {
		return nil, ErrEmptyProof
	}

	branch, err := splitBranch(proof.MerkleProof)
	if err != nil {
		return nil, err
	}

	// The coinbase anchor is all-or-nothing.
	haveCBPreimage, haveCBProof := len(proof.CoinbasePreimage) > 0, len(proof.CoinbaseProof) > 0
	if haveCBPreimage != haveCBProof {
		return nil, bridge.NewError(ErrCoinbaseMismatch, "preimage and proof must be supplied together")
	}
	if v.cfg.RequireCoinbaseAnchor && !haveCBPreimage {
		return nil, bridge.NewError(ErrCoinbaseMismatch, "coinbase anchor required")
	}
	if haveCBPreimage && len(proof.CoinbasePreimage) != chainhash.HashSize {
		return nil, bridge.NewError(ErrCoinbaseMismatch,
			fmt.Sprintf("preimage is %d bytes", len(proof.CoinbasePreimage)))
	}

	tx, err := btc.ParseTransaction(rawTx)
	if err != nil {
		return nil, fmt.Errorf("error parsing transaction: %w", err)
	}
	txID := tx.TxHash()

	headers, err := btc.ParseHeaders(proof.Headers)
	if err != nil {
		return nil, err
	}
	anchor := headers[0]

	// The walk consumes one index bit per branch node. Any higher bits would
	// be silently ignored, letting multiple indices claim the same path.
	if proof.TxIndex>>uint(len(branch)) != 0 {
		return nil, bridge.NewError(ErrMerkleMismatch,
			fmt.Sprintf("index %d exceeds proof depth %d", proof.TxIndex, len(branch)))
	}

	root := walkBranch(txID, branch, proof.TxIndex)
	if root != anchor.MerkleRoot {
		return nil, bridge.NewError(ErrMerkleMismatch,
			fmt.Sprintf("computed %s, header has %s", root, anchor.MerkleRoot))
	}

	if haveCBPreimage {
		cbBranch, err := splitBranch(proof.CoinbaseProof)
		if err != nil {
			return nil, err
		}
		cbLeaf := chainhash.DoubleHashH(proof.CoinbasePreimage)
		// The coinbase is always the block's first transaction.
		if cbRoot := walkBranch(cbLeaf, cbBranch, 0); cbRoot != anchor.MerkleRoot {
			return nil, bridge.NewError(ErrMerkleMismatch, "coinbase anchor does not reach the header root")
		}
	}

	bitsList := make([]uint32, len(headers))
	for i, hdr := range headers {
		bitsList[i] = hdr.Bits
	}
	enough, err := v.cfg.Oracle.MeetsMinimumWork(bitsList, v.cfg.RequiredConfs)
	if err != nil {
		return nil, err
	}
	if !enough {
		return nil, bridge.NewError(ErrInsufficientWork,
			fmt.Sprintf("%d headers below %d average confirmations", len(headers), v.cfg.RequiredConfs))
	}

	return &VerifiedTx{
		Tx:            tx,
		TxID:          txID,
		MerkleRoot:    root,
		Confirmations: uint32(len(headers)),
	}, nil
}

// splitBranch splits a concatenated merkle path into 32-byte nodes.
func splitBranch(proof []byte) ([]chainhash.Hash, error) {
	if len(proof)%chainhash.HashSize != 0 {
		return nil, bridge.NewError(ErrRaggedProof, fmt.Sprintf("%d bytes", len(proof)))
	}
	branch := make([]chainhash.Hash, len(proof)/chainhash.HashSize)
	for i := range branch {
		copy(branch[i][:], proof[i*chainhash.HashSize:])
	}
	return branch, nil
}

// walkBranch recomputes the merkle root from a leaf hash, its sibling path
// and its index in the block. Bit i of the index selects whether the running
// hash is the right (bit set) or left (bit clear) operand at depth i.
func walkBranch(leaf chainhash.Hash, branch []chainhash.Hash, index uint64) chainhash.Hash {
	h := leaf
	for _, sibling := range branch {
		if index&1 == 1 {
			h = hashNodes(&sibling, &h)
		} else {
			h = hashNodes(&h, &sibling)
		}
		index >>= 1
	}
	return h
}

// hashNodes computes the parent of two merkle nodes.
func hashNodes(left, right *chainhash.Hash) chainhash.Hash {
	var b bytes.Buffer
	b.Write(left[:])
	b.Write(right[:])
	return chainhash.DoubleHashH(b.Bytes())
}
