package codec

import (
	"io"

	"github.com/pkg/errors"
)

// Transport is the byte-buffer abstraction the protocol is parameterized by.
// Writes are appended to an outgoing buffer; ReadN consumes exactly n bytes of
// the incoming buffer or fails.
type Transport interface {
	io.Writer
	ReadN(n int) ([]byte, error)
}

// MemBuffer is an in-memory Transport. Written bytes are queued until Flush
// appends them to the readable region.
//
//	Write(a) Write(b) → pending = a|b
//	Flush()           → readable = unread|a|b, pending = ∅
//	ReadN(n)          → readable[offset:offset+n], offset += n
type MemBuffer struct {
	pending []byte
	buf     []byte
	offset  int
}

// NewMemBuffer returns a buffer whose readable region is b.
func NewMemBuffer(b []byte) *MemBuffer {
	return &MemBuffer{buf: b}
}

// Write copies p into the pending region. It never fails.
func (m *MemBuffer) Write(p []byte) (int, error) {
	m.pending = append(m.pending, p...)
	return len(p), nil
}

// ReadN returns the next n readable bytes. The returned slice aliases the
// buffer and is only valid until the next Flush or Reset.
func (m *MemBuffer) ReadN(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrNegativeSize, "read of %d bytes", n)
	}
	if n > len(m.buf)-m.offset {
		return nil, errors.Wrapf(ErrBufferUnderrun, "need %d bytes, %d remaining", n, len(m.buf)-m.offset)
	}
	b := m.buf[m.offset : m.offset+n]
	m.offset += n
	return b, nil
}

// Flush moves the pending bytes behind the unread bytes.
func (m *MemBuffer) Flush() {
	if len(m.pending) == 0 {
		return
	}
	rest := m.buf[m.offset:]
	b := make([]byte, 0, len(rest)+len(m.pending))
	m.buf = append(append(b, rest...), m.pending...)
	m.offset = 0
	m.pending = m.pending[:0]
}

// Pending returns the bytes written since the last Flush.
func (m *MemBuffer) Pending() []byte {
	return m.pending
}

// Bytes returns the unread bytes.
func (m *MemBuffer) Bytes() []byte {
	return m.buf[m.offset:]
}

// Remaining is the number of unread bytes.
func (m *MemBuffer) Remaining() int {
	return len(m.buf) - m.offset
}

// Reset discards both regions.
func (m *MemBuffer) Reset() {
	m.pending = m.pending[:0]
	m.buf = nil
	m.offset = 0
}
