// Package protocol implements the frame used to carry binary RPC messages
// over a raw byte stream.
//
// A binary message has no length prefix of its own: over HTTP the request
// body delimits it, over TCP this frame does. The receiver reads the fixed
// 14-byte header first, then exactly BodyLen bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │fl│mt│   seq   │ bodyLen │    body ...    │
//	│ brp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "brp" (binary rpc).
// Lets the server drop connections that do not speak the framing at all.
const (
	MagicNumber byte   = 0x62 // 'b'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 14 // 3 (magic) + 1 (version) + 1 (flags) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
	MaxBodyLen  uint32 = 64 * 1024 * 1024
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server message
	MsgTypeResponse  MsgType = 1 // Server → Client message
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Flags carried in byte 4.
const (
	// FlagOneway marks a request that will not be answered.
	FlagOneway byte = 0x01
)

var (
	ErrBadMagic   = errors.New("protocol: invalid magic number")
	ErrBadVersion = errors.New("protocol: unsupported version")
	ErrBadMsgType = errors.New("protocol: unsupported message type")
	ErrTooLarge   = errors.New("protocol: frame body too large")
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	Flags   byte
	MsgType MsgType
	Seq     uint32 // Echoed back in the response frame
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Wrapf(ErrTooLarge, "%d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.Flags
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// Single write so a frame is never split between two writers' bytes.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, and message type, and uses
// io.ReadFull so partial reads never surface as short frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrBadMagic, "%x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, errors.Wrapf(ErrBadVersion, "%d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Wrapf(ErrBadMsgType, "%d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrTooLarge, "%d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		Flags:   headerBuf[4],
		MsgType: msgType,
		Seq:     seq,
		BodyLen: bodyLen,
	}, body, nil
}
