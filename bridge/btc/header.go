// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"qcbridge.org/qcbridge/bridge"
)

// HeaderSize is the length of a serialized Bitcoin block header.
const HeaderSize = 80

// ErrBadHeadersLen means a concatenated header buffer is empty or not a
// multiple of HeaderSize.
const ErrBadHeadersLen = bridge.ErrorKind("headers not a multiple of 80 bytes")

// BlockHeader is a parsed 80-byte Bitcoin block header.
type BlockHeader struct {
	raw        [HeaderSize]byte
	Version    uint32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// ParseHeader decodes a single 80-byte header.
func ParseHeader(b []byte) (*BlockHeader, error) {
	if len(b) != HeaderSize {
		return nil, bridge.NewError(ErrBadHeadersLen,
			fmt.Sprintf("header is %d bytes", len(b)))
	}
	hdr := new(BlockHeader)
	copy(hdr.raw[:], b)
	hdr.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(hdr.PrevBlock[:], b[4:36])
	copy(hdr.MerkleRoot[:], b[36:68])
	hdr.Timestamp = binary.LittleEndian.Uint32(b[68:72])
	hdr.Bits = binary.LittleEndian.Uint32(b[72:76])
	hdr.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return hdr, nil
}

// ParseHeaders splits a concatenated header buffer into fixed 80-byte records
// and decodes each. An empty buffer or a ragged tail is an error.
func ParseHeaders(b []byte) ([]*BlockHeader, error) {
	if len(b) == 0 || len(b)%HeaderSize != 0 {
		return nil, bridge.NewError(ErrBadHeadersLen,
			fmt.Sprintf("%d bytes of headers", len(b)))
	}
	headers := make([]*BlockHeader, 0, len(b)/HeaderSize)
	for i := 0; i < len(b); i += HeaderSize {
		hdr, err := ParseHeader(b[i : i+HeaderSize])
		if err != nil {
			return nil, err
		}
		headers = append(headers, hdr)
	}
	return headers, nil
}

// BlockHash is the double-SHA256 of the serialized header.
func (hdr *BlockHeader) BlockHash() chainhash.Hash {
	return chainhash.DoubleHashH(hdr.raw[:])
}

// Serialize returns a copy of the original 80 header bytes.
func (hdr *BlockHeader) Serialize() []byte {
	b := make([]byte, HeaderSize)
	copy(b, hdr.raw[:])
	return b
}
