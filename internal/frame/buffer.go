package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/devicehive/binary-gateway/internal/metrics"
)

// DefaultBufferLimit bounds PacketBuffer growth. A device spewing junk can
// never make the buffer hold more than this before it is cleared.
const DefaultBufferLimit = 128 * 1024

// PacketBuffer accumulates raw link bytes and yields complete frames.
// After every mutation the buffer either is empty, holds a lone 0xC5, or
// starts with the full 0xC5 0xC3 signature. Not safe for concurrent use;
// each connection owns exactly one buffer.
type PacketBuffer struct {
	buf   []byte
	limit int
}

// NewPacketBuffer creates a buffer with the given growth ceiling.
// limit <= 0 means DefaultBufferLimit.
func NewPacketBuffer(limit int) *PacketBuffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &PacketBuffer{limit: limit}
}

// Append extends the buffer with b and re-aligns to the next signature.
// If the buffer would exceed its ceiling it is cleared and ErrBufferOverflow
// is returned; the caller is expected to terminate the connection.
func (p *PacketBuffer) Append(b []byte) error {
	if len(p.buf)+len(b) > p.limit {
		p.buf = p.buf[:0]
		metrics.IncOverflow()
		return fmt.Errorf("%w: limit %d bytes", ErrBufferOverflow, p.limit)
	}
	p.buf = append(p.buf, b...)
	p.resync()
	return nil
}

// HasFrame reports whether a complete frame sits at the front of the buffer.
func (p *PacketBuffer) HasFrame() bool {
	if len(p.buf) < HeaderLen {
		return false
	}
	payloadLen := int(binary.LittleEndian.Uint16(p.buf[offLen:]))
	return len(p.buf) >= HeaderLen+payloadLen
}

// PopFrame removes the leading frame and returns it. It returns (nil, nil)
// when no complete frame is buffered. On an integrity failure the broken
// frame's bytes are still consumed so the stream self-heals, and the error
// is returned for the caller to log.
func (p *PacketBuffer) PopFrame() (*Frame, error) {
	if !p.HasFrame() {
		return nil, nil
	}
	payloadLen := int(binary.LittleEndian.Uint16(p.buf[offLen:]))
	total := HeaderLen + payloadLen
	f, err := Decode(p.buf[:total])
	p.buf = append(p.buf[:0], p.buf[total:]...)
	p.resync()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Clear empties the buffer.
func (p *PacketBuffer) Clear() { p.buf = p.buf[:0] }

// Len returns the number of buffered bytes.
func (p *PacketBuffer) Len() int { return len(p.buf) }

// Bytes exposes the buffered bytes for inspection. The returned slice is
// only valid until the next mutation.
func (p *PacketBuffer) Bytes() []byte { return p.buf }

// resync drops bytes from the front until the buffer starts with the frame
// signature, keeping a lone trailing 0xC5 in case its 0xC3 arrives in the
// next chunk.
func (p *PacketBuffer) resync() {
	before := len(p.buf)
	for {
		n := len(p.buf)
		if n == 0 {
			break
		}
		if n == 1 {
			if p.buf[0] != SignatureHi {
				p.buf = p.buf[:0]
			}
			break
		}
		if p.buf[0] == SignatureHi && p.buf[1] == SignatureLo {
			break
		}
		i := bytes.IndexByte(p.buf[1:], SignatureHi)
		if i < 0 {
			p.buf = p.buf[:0]
			break
		}
		i++ // position in p.buf
		if i == n-1 {
			// trailing 0xC5: keep it, the mate may be in flight
			p.buf = p.buf[:copy(p.buf, p.buf[i:])]
			break
		}
		if p.buf[i+1] == SignatureLo {
			p.buf = p.buf[:copy(p.buf, p.buf[i:])]
			break
		}
		// false start, skip past it and keep hunting
		p.buf = p.buf[:copy(p.buf, p.buf[i+1:])]
	}
	metrics.AddResyncDropped(before - len(p.buf))
}
