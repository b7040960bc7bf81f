// Package protocol implements the binary frame that carries transactions and
// replies between a client transport and a server over a byte stream.
//
// A fixed 22-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5  6        10       14       18        22
//	┌──────┬──┬──┬──┬────────┬────────┬────────┬─────────┬───────────────┐
//	│magic │v │mt│fl│  seq   │ handle │  code  │ bodyLen │    body ...    │
//	│ mbd  │01│  │  │ uint32 │ uint32 │ uint32 │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴────────┴────────┴────────┴─────────┴───────────────┘
//
// In a transaction frame, handle names the target object on the server and
// code is the operation code. In a reply frame, code carries the int32
// status and the body is either the reply parcel (status OK) or the error text.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "mbd" (mini-binder).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x62 // 'b'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 22 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (handle) + 4 (code) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes transaction, reply, and heartbeat frames.
type MsgType byte

const (
	MsgTypeTransaction MsgType = 0 // Client → Server
	MsgTypeReply       MsgType = 1 // Server → Client, synchronous transactions only
	MsgTypeHeartbeat   MsgType = 2 // KeepAlive probe (no body)
)

// Flags modify how a transaction is handled.
type Flags byte

const (
	// FlagOneway marks a transaction the caller will not wait for. The server
	// never sends a reply frame for it.
	FlagOneway Flags = 0x01

	knownFlags = FlagOneway
)

// Header represents the fixed 22-byte frame header.
type Header struct {
	MsgType MsgType
	Flags   Flags
	Seq     uint32 // Matches a reply to its transaction; unused for one-way transactions
	Handle  uint32 // Target object on the server
	Code    uint32 // Operation code (transaction) or status (reply)
	BodyLen uint32
}

// Oneway reports whether the frame is a one-way transaction.
func (h *Header) Oneway() bool {
	return h.Flags&FlagOneway != 0
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different transactions will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length %d does not match header %d", len(body), h.BodyLen)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	buf[5] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.Handle)
	binary.BigEndian.PutUint32(buf[14:18], h.Code)
	binary.BigEndian.PutUint32(buf[18:22], h.BodyLen)

	// One write per frame, so a frame is never split by a concurrent writer
	// that forgot the lock.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, message type, flags, and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeTransaction && msgType != MsgTypeReply && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	flags := Flags(headerBuf[5])
	if flags&^knownFlags != 0 {
		return nil, nil, fmt.Errorf("unsupported flags: %#x", byte(flags))
	}

	h := &Header{
		MsgType: msgType,
		Flags:   flags,
		Seq:     binary.BigEndian.Uint32(headerBuf[6:10]),
		Handle:  binary.BigEndian.Uint32(headerBuf[10:14]),
		Code:    binary.BigEndian.Uint32(headerBuf[14:18]),
		BodyLen: binary.BigEndian.Uint32(headerBuf[18:22]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
