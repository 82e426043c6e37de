// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package btc implements parsing of raw Bitcoin transactions, block headers
// and output scripts, sufficient to extract payment amounts and destinations
// from settlement proofs. Parsing always fails closed: any structural defect
// in the input is an error, never a silent truncation.
package btc

import (
	"encoding/binary"
	"fmt"

	"qcbridge.org/qcbridge/bridge"
)

// Parse errors. Every defect in an input buffer maps to one of these kinds,
// wrapped with position detail.
const (
	// ErrShortBuffer means the buffer ended before a required field.
	ErrShortBuffer = bridge.ErrorKind("buffer too short")
	// ErrNonCanonicalVarInt means a var-int used more bytes than the
	// minimal encoding of its value.
	ErrNonCanonicalVarInt = bridge.ErrorKind("non-canonical var-int")
	// ErrScriptOverrun means a declared script length exceeds the remaining
	// buffer.
	ErrScriptOverrun = bridge.ErrorKind("script length exceeds buffer")
	// ErrTrailingBytes means the buffer contained data beyond the parsed
	// structure.
	ErrTrailingBytes = bridge.ErrorKind("trailing bytes after structure")
	// ErrEmptyTx means a transaction declared no inputs or no outputs.
	ErrEmptyTx = bridge.ErrorKind("transaction has no inputs or outputs")
	// ErrBadOutputIndex means an output index is beyond the transaction's
	// output list.
	ErrBadOutputIndex = bridge.ErrorKind("output index out of range")
)

// Cursor walks a byte buffer, tracking position for error detail. All integer
// reads are little-endian, per Bitcoin serialization.
type Cursor struct {
	b   []byte
	pos int
}

// NewCursor creates a Cursor over the buffer. The Cursor does not copy the
// buffer, and slices returned from Next alias it.
func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

// Remaining is the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.b) - c.pos
}

// Pos is the current read offset.
func (c *Cursor) Pos() int {
	return c.pos
}

// Next returns the next n bytes and advances the cursor.
func (c *Cursor) Next(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, bridge.NewError(ErrShortBuffer,
			fmt.Sprintf("need %d bytes at offset %d, have %d", n, c.pos, c.Remaining()))
	}
	b := c.b[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Uint32 reads a little-endian uint32.
func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (c *Cursor) Uint64() (uint64, error) {
	b, err := c.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// VarInt reads a Bitcoin variable-length integer, enforcing canonical
// (minimal) encoding. A value that could have been encoded in fewer bytes is
// rejected with ErrNonCanonicalVarInt.
func (c *Cursor) VarInt() (uint64, error) {
	b, err := c.Next(1)
	if err != nil {
		return 0, err
	}
	discriminant := b[0]
	switch discriminant {
	case 0xfd:
		b, err = c.Next(2)
		if err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint16(b))
		if v < 0xfd {
			return 0, bridge.NewError(ErrNonCanonicalVarInt,
				fmt.Sprintf("value %d encoded with 3 bytes at offset %d", v, c.pos-3))
		}
		return v, nil
	case 0xfe:
		b, err = c.Next(4)
		if err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint32(b))
		if v <= 0xffff {
			return 0, bridge.NewError(ErrNonCanonicalVarInt,
				fmt.Sprintf("value %d encoded with 5 bytes at offset %d", v, c.pos-5))
		}
		return v, nil
	case 0xff:
		b, err = c.Next(8)
		if err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(b)
		if v <= 0xffffffff {
			return 0, bridge.NewError(ErrNonCanonicalVarInt,
				fmt.Sprintf("value %d encoded with 9 bytes at offset %d", v, c.pos-9))
		}
		return v, nil
	default:
		return uint64(discriminant), nil
	}
}

// varIntSize is the serialized size of v as a var-int.
func varIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// putVarInt appends the canonical var-int encoding of v to b.
func putVarInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= 0xffff:
		b = append(b, 0xfd, 0, 0)
		binary.LittleEndian.PutUint16(b[len(b)-2:], uint16(v))
		return b
	case v <= 0xffffffff:
		b = append(b, 0xfe, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(b[len(b)-4:], uint32(v))
		return b
	default:
		b = append(b, 0xff, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint64(b[len(b)-8:], v)
		return b
	}
}
