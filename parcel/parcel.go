// Package parcel implements the transaction buffer exchanged between a proxy
// and a stub.
//
// A Parcel is a flat byte sequence with an append-only write end and an
// independent read cursor. It carries no type tags: the sender and receiver
// agree out of band (through the operation code) on the order and type of
// every field, and read them back in exactly the order they were written.
//
//	┌──────────────────────────────┬───────────┬───────────┬─────
//	│ descriptor (len + UTF-16LE)  │  field_0  │  field_1  │ ...
//	└──────────────────────────────┴───────────┴───────────┴─────
//	                                 ▲ read cursor advances left to right
//
// Integers are little-endian. Text is an int32 count of UTF-16 code units
// followed by the code units, with no terminator and no alignment padding.
package parcel

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// ErrTruncatedBuffer is returned when a read would run past the written length.
var ErrTruncatedBuffer = errors.New("parcel: truncated buffer")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Parcel is a transaction buffer. It is not safe for concurrent use; every
// call builds its own.
type Parcel struct {
	data []byte
	pos  int // read cursor
}

// New returns an empty parcel ready for writing.
func New() *Parcel {
	return &Parcel{}
}

// FromBytes wraps received bytes for reading. The parcel takes ownership of b.
func FromBytes(b []byte) *Parcel {
	return &Parcel{data: b}
}

// Bytes returns the written contents.
func (p *Parcel) Bytes() []byte {
	return p.data
}

// Len returns the number of bytes written.
func (p *Parcel) Len() int {
	return len(p.data)
}

// Position returns the read cursor.
func (p *Parcel) Position() int {
	return p.pos
}

// Remaining returns the number of unread bytes.
func (p *Parcel) Remaining() int {
	return len(p.data) - p.pos
}

// WriteInt32 appends v as 4 little-endian bytes.
func (p *Parcel) WriteInt32(v int32) {
	p.data = binary.LittleEndian.AppendUint32(p.data, uint32(v))
}

// ReadInt32 consumes 4 bytes at the cursor.
func (p *Parcel) ReadInt32() (int32, error) {
	if p.Remaining() < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes for int32 at offset %d, have %d", ErrTruncatedBuffer, p.pos, p.Remaining())
	}
	v := int32(binary.LittleEndian.Uint32(p.data[p.pos : p.pos+4]))
	p.pos += 4
	return v, nil
}

// WriteString appends s as a length-prefixed UTF-16LE string.
func (p *Parcel) WriteString(s string) {
	// The UTF-16 encoder substitutes U+FFFD for invalid UTF-8 and does not fail.
	units, _ := utf16le.NewEncoder().Bytes([]byte(s))
	p.WriteInt32(int32(len(units) / 2))
	p.data = append(p.data, units...)
}

// ReadString reads a length prefix and exactly that many UTF-16 code units.
func (p *Parcel) ReadString() (string, error) {
	start := p.pos
	n, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		p.pos = start
		return "", fmt.Errorf("%w: negative text length %d at offset %d", ErrTruncatedBuffer, n, start)
	}
	size := int(n) * 2
	if p.Remaining() < size {
		p.pos = start
		return "", fmt.Errorf("%w: need %d bytes of text at offset %d, have %d", ErrTruncatedBuffer, size, start+4, p.Remaining())
	}
	b, err := utf16le.NewDecoder().Bytes(p.data[p.pos : p.pos+size])
	if err != nil {
		p.pos = start
		return "", fmt.Errorf("parcel: decode text at offset %d: %w", start, err)
	}
	p.pos += size
	return string(b), nil
}

// WriteInterfaceToken writes the descriptor that must open every transaction.
func (p *Parcel) WriteInterfaceToken(descriptor string) {
	p.WriteString(descriptor)
}

// ReadInterfaceToken reads the leading descriptor.
func (p *Parcel) ReadInterfaceToken() (string, error) {
	return p.ReadString()
}

// String renders the parcel as a hex dump for debug logs.
func (p *Parcel) String() string {
	if p == nil {
		return "Parcel(nil)"
	}
	if len(p.data) == 0 {
		return "Parcel(0 bytes)"
	}
	return fmt.Sprintf("Parcel(%d bytes)\n%s", len(p.data), hex.Dump(p.data))
}
