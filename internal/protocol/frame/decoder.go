package frame

import (
	"encoding/binary"
	"errors"
)

// Decoder accumulates bytes from successive socket reads and yields frames
// only once the header and the full declared payload are buffered.
//
// A Decoder is not safe for concurrent use; it belongs to one read loop.
type Decoder struct {
	limits  Limits
	buf     []byte
	pending *Header
	// skip counts payload bytes of a rejected oversized frame still to drop.
	skip uint32
	// resync is set after a bad magic until a plausible header is found.
	resync bool
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// SetLimits swaps limits after negotiation. A header already parsed keeps
// the limits it was validated under.
func (d *Decoder) SetLimits(limits Limits) {
	d.limits = limits
}

func (d *Decoder) Limits() Limits {
	return d.limits
}

// Feed appends p to the internal buffer. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet returned as frames.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when more input is
// needed. A non-nil error means one malformed frame (or header) was
// discarded and Next may be called again. After a bad magic the decoder
// slides forward a byte at a time until command and magic agree again.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if d.resync {
		if !d.seekHeader() {
			return Frame{}, false, nil
		}
		d.resync = false
	}
	if d.skip > 0 {
		n := min(uint64(d.skip), uint64(len(d.buf)))
		d.consume(int(n))
		d.skip -= uint32(n)
		if d.skip > 0 {
			return Frame{}, false, nil
		}
	}
	if d.pending == nil {
		if len(d.buf) < HeaderLen {
			return Frame{}, false, nil
		}
		h, err := DecodeHeader(d.buf[:HeaderLen], d.limits)
		if errors.Is(err, ErrBadMagic) {
			d.consume(1)
			d.resync = true
			return Frame{}, false, err
		}
		d.consume(HeaderLen)
		if errors.Is(err, ErrPayloadTooLarge) {
			// the header itself is sound, so the stream stays aligned
			d.skip = h.DataLen
		}
		if err != nil {
			return Frame{}, false, err
		}
		d.pending = &h
	}

	h := *d.pending
	if uint64(len(d.buf)) < uint64(h.DataLen) {
		return Frame{}, false, nil
	}
	payload := make([]byte, h.DataLen)
	copy(payload, d.buf[:h.DataLen])
	d.consume(int(h.DataLen))
	d.pending = nil

	if err := verifyChecksum(h, payload, d.limits); err != nil {
		return Frame{}, false, err
	}
	return Frame{Header: h, Payload: payload}, true, nil
}

// seekHeader drops bytes until the buffer starts with a header whose magic
// matches its command. It keeps a partial window when none is found yet.
func (d *Decoder) seekHeader() bool {
	for i := 0; i+HeaderLen <= len(d.buf); i++ {
		cmd := binary.LittleEndian.Uint32(d.buf[i:])
		magic := binary.LittleEndian.Uint32(d.buf[i+20:])
		if cmd^magic == 0xFFFFFFFF {
			d.consume(i)
			return true
		}
	}
	if n := len(d.buf) - HeaderLen + 1; n > 0 {
		d.consume(n)
	}
	return false
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
