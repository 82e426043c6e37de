// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
)

const (
	// minTxInSize is the smallest serialized input: 32-byte prevout hash,
	// 4-byte output index, 1-byte script length, 4-byte sequence.
	minTxInSize = 32 + 4 + 1 + 4
	// minTxOutSize is the smallest serialized output: 8-byte value and a
	// 1-byte script length.
	minTxOutSize = 8 + 1
)

// OutPoint identifies a previous transaction output.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// TxIn is a parsed transaction input.
type TxIn struct {
	PrevOut   OutPoint
	SigScript []byte
	Sequence  uint32
}

// TxOut is a parsed transaction output. Value is in satoshis.
type TxOut struct {
	Value    uint64
	PkScript []byte
}

// Transaction is a parsed Bitcoin transaction. Only the legacy serialization
// is handled. Witness data is not part of the txid preimage, so proofs are
// always constructed over the stripped serialization this type represents.
type Transaction struct {
	Version  uint32
	Ins      []*TxIn
	Outs     []*TxOut
	LockTime uint32
}

// ParseTransaction decodes a raw serialized transaction. The entire buffer
// must be consumed; trailing bytes are an error.
func ParseTransaction(raw []byte) (*Transaction, error) {
	c := NewCursor(raw)
	tx := new(Transaction)

	var err error
	if tx.Version, err = c.Uint32(); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	inCount, err := c.VarInt()
	if err != nil {
		return nil, fmt.Errorf("input count: %w", err)
	}
	if inCount == 0 {
		return nil, bridge.NewError(ErrEmptyTx, "zero inputs")
	}
	if inCount > uint64(c.Remaining()/minTxInSize) {
		return nil, bridge.NewError(ErrShortBuffer,
			fmt.Sprintf("%d inputs cannot fit in %d bytes", inCount, c.Remaining()))
	}

	tx.Ins = make([]*TxIn, 0, inCount)
	for i := uint64(0); i < inCount; i++ {
		txIn, err := parseTxIn(c)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		tx.Ins = append(tx.Ins, txIn)
	}

	outCount, err := c.VarInt()
	if err != nil {
		return nil, fmt.Errorf("output count: %w", err)
	}
	if outCount == 0 {
		return nil, bridge.NewError(ErrEmptyTx, "zero outputs")
	}
	if outCount > uint64(c.Remaining()/minTxOutSize) {
		return nil, bridge.NewError(ErrShortBuffer,
			fmt.Sprintf("%d outputs cannot fit in %d bytes", outCount, c.Remaining()))
	}

	tx.Outs = make([]*TxOut, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		txOut, err := parseTxOut(c)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		tx.Outs = append(tx.Outs, txOut)
	}

	if tx.LockTime, err = c.Uint32(); err != nil {
		return nil, fmt.Errorf("lock time: %w", err)
	}

	if c.Remaining() != 0 {
		return nil, bridge.NewError(ErrTrailingBytes,
			fmt.Sprintf("%d bytes remain after lock time", c.Remaining()))
	}

	return tx, nil
}

// ParseTransactionHex decodes a hexadecimal-encoded raw transaction.
func ParseTransactionHex(s string) (*Transaction, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return ParseTransaction(raw)
}

func parseTxIn(c *Cursor) (*TxIn, error) {
	txIn := new(TxIn)
	hashB, err := c.Next(32)
	if err != nil {
		return nil, fmt.Errorf("prevout hash: %w", err)
	}
	copy(txIn.PrevOut.Hash[:], hashB)
	if txIn.PrevOut.Index, err = c.Uint32(); err != nil {
		return nil, fmt.Errorf("prevout index: %w", err)
	}
	if txIn.SigScript, err = readScript(c); err != nil {
		return nil, fmt.Errorf("signature script: %w", err)
	}
	if txIn.Sequence, err = c.Uint32(); err != nil {
		return nil, fmt.Errorf("sequence: %w", err)
	}
	return txIn, nil
}

func parseTxOut(c *Cursor) (*TxOut, error) {
	txOut := new(TxOut)
	var err error
	if txOut.Value, err = c.Uint64(); err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	if txOut.PkScript, err = readScript(c); err != nil {
		return nil, fmt.Errorf("pk script: %w", err)
	}
	return txOut, nil
}

// readScript reads a var-int length-prefixed script, rejecting declared
// lengths that overrun the buffer.
func readScript(c *Cursor) ([]byte, error) {
	scriptLen, err := c.VarInt()
	if err != nil {
		return nil, err
	}
	if scriptLen > uint64(c.Remaining()) {
		return nil, bridge.NewError(ErrScriptOverrun,
			fmt.Sprintf("declared %d bytes at offset %d, %d remain", scriptLen, c.Pos(), c.Remaining()))
	}
	return c.Next(int(scriptLen))
}

// SerializeSize is the exact length of the transaction's serialization.
func (tx *Transaction) SerializeSize() int {
	sz := 4 + 4 + varIntSize(uint64(len(tx.Ins))) + varIntSize(uint64(len(tx.Outs)))
	for _, txIn := range tx.Ins {
		sz += 32 + 4 + 4 + varIntSize(uint64(len(txIn.SigScript))) + len(txIn.SigScript)
	}
	for _, txOut := range tx.Outs {
		sz += 8 + varIntSize(uint64(len(txOut.PkScript))) + len(txOut.PkScript)
	}
	return sz
}

// Serialize re-encodes the transaction. Serialize(ParseTransaction(raw))
// reproduces raw exactly.
func (tx *Transaction) Serialize() []byte {
	b := make([]byte, 4, tx.SerializeSize())
	binary.LittleEndian.PutUint32(b, tx.Version)
	b = putVarInt(b, uint64(len(tx.Ins)))
	for _, txIn := range tx.Ins {
		b = append(b, txIn.PrevOut.Hash[:]...)
		b = append(b, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(b[len(b)-4:], txIn.PrevOut.Index)
		b = putVarInt(b, uint64(len(txIn.SigScript)))
		b = append(b, txIn.SigScript...)
		b = append(b, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(b[len(b)-4:], txIn.Sequence)
	}
	b = putVarInt(b, uint64(len(tx.Outs)))
	for _, txOut := range tx.Outs {
		b = append(b, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint64(b[len(b)-8:], txOut.Value)
		b = putVarInt(b, uint64(len(txOut.PkScript)))
		b = append(b, txOut.PkScript...)
	}
	b = append(b, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(b[len(b)-4:], tx.LockTime)
	return b
}

// TxHash is the double-SHA256 of the transaction's serialization, i.e. the
// txid in internal byte order.
func (tx *Transaction) TxHash() chainhash.Hash {
	return chainhash.DoubleHashH(tx.Serialize())
}

// Output returns the output at the given index.
func (tx *Transaction) Output(idx uint32) (*TxOut, error) {
	if idx >= uint32(len(tx.Outs)) {
		return nil, bridge.NewError(ErrBadOutputIndex,
			fmt.Sprintf("index %d, %d outputs", idx, len(tx.Outs)))
	}
	return tx.Outs[idx], nil
}
