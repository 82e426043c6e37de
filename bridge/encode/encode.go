// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the byte encodings used for stored records and
// watchdog proposal payloads. Records are "versioned blobs": a single version
// byte followed by length-prefixed data pushes.
package encode

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

var (
	// IntCoder is the bridge-wide integer byte-encoding order. IntCoder must
	// be BigEndian so that variable length data encodings sort as intended.
	IntCoder = binary.BigEndian
	// ByteFalse is a byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// ByteTrue is a byte-slice representation of boolean true.
	ByteTrue = []byte{1}
	// MaxDataLen is the largest byte slice that can be stored when using
	// (BuildyBytes).AddData.
	MaxDataLen = math.MaxUint16
)

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte
// slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte
// slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint32 converts the length-4, big-endian encoded byte slice to a
// uint32.
func BytesToUint32(b []byte) uint32 {
	return IntCoder.Uint32(b[:4])
}

// BytesToUint64 converts the length-8, big-endian encoded byte slice to a
// uint64.
func BytesToUint64(b []byte) uint64 {
	return IntCoder.Uint64(b[:8])
}

// CopySlice makes a copy of the slice.
func CopySlice(b []byte) []byte {
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// RandomBytes returns a byte slice with the specified length of random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return b
}

// UnixMilli returns the milliseconds since the Unix epoch as a uint64. Times
// before the epoch are returned as zero.
func UnixMilli(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// UnixTimeMilli converts a uint64 millisecond Unix timestamp to a time.Time.
func UnixTimeMilli(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

// ExtractPushes parses the linearly-encoded 2D byte slice into a slice of
// slices. Empty pushes are nil slices.
func ExtractPushes(b []byte, preAlloc ...int) ([][]byte, error) {
	allocPushes := 2
	if len(preAlloc) > 0 {
		allocPushes = preAlloc[0]
	}
	pushes := make([][]byte, 0, allocPushes)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == 255 {
			if len(b) < 2 {
				return nil, fmt.Errorf("2 bytes not available for data length")
			}
			l = int(IntCoder.Uint16(b[:2]))
			b = b[2:]
		}
		if len(b) < l {
			return nil, fmt.Errorf("data too short for pop of %d bytes", l)
		}
		if l == 0 {
			// If data length is zero, append nil instead of an empty slice.
			pushes = append(pushes, nil)
			continue
		}
		pushes = append(pushes, b[:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and the pushes
// extracted from its data. Empty pushes will be nil.
func DecodeBlob(b []byte, preAlloc ...int) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("zero length blob not allowed")
	}
	ver := b[0]
	b = b[1:]
	pushes, err := ExtractPushes(b, preAlloc...)
	return ver, pushes, err
}

// BuildyBytes is a byte-slice with an AddData method for building linearly
// encoded 2D byte slices. The AddData method supports chaining. The canonical
// use case is to create versioned blobs, where the BuildyBytes is
// instantiated with a single version byte, and then data pushes are added
// using the AddData method. Example use:
//
//	version := byte(0)
//	b := BuildyBytes{version}.AddData(data1).AddData(data2)
//
// The versioned blob can be decoded with DecodeBlob to separate the version
// byte and the payload.
type BuildyBytes []byte

// AddData adds the data to the BuildyBytes, and returns the new BuildyBytes.
// The data has a hard-coded length limit of MaxDataLen = 65535 bytes. The
// caller should ensure the data is not larger since AddData panics if it is.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	l := len(d)
	var lBytes []byte
	if l >= 0xff {
		if l > MaxDataLen {
			panic("cannot use AddData for pushes > 65535 bytes")
		}
		i := make([]byte, 2)
		IntCoder.PutUint16(i, uint16(l))
		lBytes = append([]byte{0xff}, i...)
	} else {
		lBytes = []byte{byte(l)}
	}
	return append(b, append(lBytes, d...)...)
}
