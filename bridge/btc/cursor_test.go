// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"bytes"
	"errors"
	"testing"
)

func TestVarInt(t *testing.T) {
	tests := []struct {
		name    string
		b       []byte
		want    uint64
		wantErr error
	}{
		{name: "single byte zero", b: []byte{0x00}, want: 0},
		{name: "single byte max", b: []byte{0xfc}, want: 0xfc},
		{name: "two byte min", b: []byte{0xfd, 0xfd, 0x00}, want: 0xfd},
		{name: "two byte max", b: []byte{0xfd, 0xff, 0xff}, want: 0xffff},
		{name: "four byte min", b: []byte{0xfe, 0x00, 0x00, 0x01, 0x00}, want: 0x10000},
		{name: "four byte max", b: []byte{0xfe, 0xff, 0xff, 0xff, 0xff}, want: 0xffffffff},
		{name: "eight byte min", b: []byte{0xff, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, want: 0x100000000},
		{
			name:    "non-canonical two byte",
			b:       []byte{0xfd, 0xfc, 0x00},
			wantErr: ErrNonCanonicalVarInt,
		},
		{
			name:    "non-canonical four byte",
			b:       []byte{0xfe, 0xff, 0xff, 0x00, 0x00},
			wantErr: ErrNonCanonicalVarInt,
		},
		{
			name:    "non-canonical eight byte",
			b:       []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00},
			wantErr: ErrNonCanonicalVarInt,
		},
		{name: "empty buffer", b: nil, wantErr: ErrShortBuffer},
		{name: "truncated two byte", b: []byte{0xfd, 0x01}, wantErr: ErrShortBuffer},
		{name: "truncated four byte", b: []byte{0xfe, 0x01, 0x02, 0x03}, wantErr: ErrShortBuffer},
		{name: "truncated eight byte", b: []byte{0xff, 0x01}, wantErr: ErrShortBuffer},
	}
	for _, test := range tests {
		v, err := NewCursor(test.b).VarInt()
		if test.wantErr != nil {
			if !errors.Is(err, test.wantErr) {
				t.Errorf("%s: error = %v, want kind %q", test.name, err, test.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if v != test.want {
			t.Errorf("%s: value = %d, want %d", test.name, v, test.want)
		}
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xfc, 0xfd, 0x1234, 0xffff, 0x10000,
		0xabcdef, 0xffffffff, 0x100000000, 0xdeadbeefcafe} {

		b := putVarInt(nil, v)
		if len(b) != varIntSize(v) {
			t.Fatalf("value %d: encoded %d bytes, varIntSize says %d", v, len(b), varIntSize(v))
		}
		c := NewCursor(b)
		got, err := c.VarInt()
		if err != nil {
			t.Fatalf("value %d: decode error: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
		if c.Remaining() != 0 {
			t.Fatalf("value %d: %d bytes left over", v, c.Remaining())
		}
	}
}

func TestCursorReads(t *testing.T) {
	b := []byte{
		0x01, 0x02, 0x03, 0x04, // uint32
		0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, // uint64
		0xaa, 0xbb, // raw
	}
	c := NewCursor(b)
	v32, err := c.Uint32()
	if err != nil {
		t.Fatalf("Uint32 error: %v", err)
	}
	if v32 != 0x04030201 {
		t.Fatalf("Uint32 = %#x, want 0x04030201", v32)
	}
	v64, err := c.Uint64()
	if err != nil {
		t.Fatalf("Uint64 error: %v", err)
	}
	if v64 != 0x0c0b0a0908070605 {
		t.Fatalf("Uint64 = %#x", v64)
	}
	raw, err := c.Next(2)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if !bytes.Equal(raw, []byte{0xaa, 0xbb}) {
		t.Fatalf("Next = %x", raw)
	}
	if c.Remaining() != 0 {
		t.Fatalf("Remaining = %d after full read", c.Remaining())
	}
	if _, err = c.Next(1); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("read past end: error = %v, want kind %q", err, ErrShortBuffer)
	}
}
