// Package chunk implements the 2-byte sequence/last-flag header
// layered over MQTT PUBLISH payloads to carry command input and
// command replies larger than one packet. It has no MQTT dependency
// of its own: callers hand it the raw payload bytes of each PUBLISH
// and get back a parsed Header, or ask it to prefix a header onto an
// outgoing chunk.
package chunk

import (
	"fmt"

	"github.com/tve/mqboard/internal/errs"
)

// BUFLEN is the payload size of each outgoing reply chunk except
// (possibly) the last one.
const BUFLEN = 2800

// SeqACK is the reserved sequence number denoting a flow-control ACK
// chunk ("SEQ <n>"), never part of the ordered data sequence.
const SeqACK = 0x7FFF

// maxSeq is the largest ordinary sequence number the 15-bit seq field
// can carry (bit 15 of byte0 is the last-flag).
const maxSeq = 0x7FFE

// Header is the parsed 2-byte chunk header.
type Header struct {
	Seq  int
	Last bool
}

// Encode renders a Header as its 2-byte wire form:
// byte0 = (last ? 0x80 : 0) | (seq >> 8), byte1 = seq & 0xFF.
func Encode(h Header) []byte {
	b0 := byte((h.Seq >> 8) & 0x7F)
	if h.Last {
		b0 |= 0x80
	}
	return []byte{b0, byte(h.Seq & 0xFF)}
}

// Decode parses the 2-byte chunk header from the start of a PUBLISH
// payload and returns the header plus the remaining payload bytes.
func Decode(payload []byte) (Header, []byte, error) {
	if len(payload) < 2 {
		return Header{}, nil, fmt.Errorf("%w: chunk header truncated", errs.ErrProtocol)
	}
	seq := (int(payload[0]&0x7F) << 8) | int(payload[1])
	last := payload[0]&0x80 != 0
	return Header{Seq: seq, Last: last}, payload[2:], nil
}

// Reassembler accumulates an inbound chunked stream (put/get/ota
// command input): it enforces strict ordering, silently drops a
// duplicate (seq < expected), and reports a protocol error on an
// out-of-order (seq > expected) chunk.
type Reassembler struct {
	next int
	done bool
}

// NewReassembler returns a Reassembler expecting seq 0 next.
func NewReassembler() *Reassembler { return &Reassembler{} }

// Accept processes one inbound chunk header. ok is false (with a nil
// error) when the chunk is a duplicate and must be silently dropped.
// err is non-nil for an out-of-order chunk or input received after the
// stream already saw its last chunk.
func (r *Reassembler) Accept(h Header) (ok bool, err error) {
	if h.Seq == SeqACK {
		return false, fmt.Errorf("%w: flow-control ack seq seen on inbound stream", errs.ErrProtocol)
	}
	if r.done {
		return false, fmt.Errorf("%w: chunk received after last", errs.ErrProtocol)
	}
	switch {
	case h.Seq < r.next:
		return false, nil // duplicate delivery, drop
	case h.Seq > r.next:
		return false, fmt.Errorf("%w: out-of-order chunk seq=%d want=%d", errs.ErrProtocol, h.Seq, r.next)
	}
	r.next++
	if h.Seq > maxSeq {
		return false, fmt.Errorf("%w: sequence number overflow", errs.ErrProtocol)
	}
	if h.Last {
		r.done = true
	}
	return true, nil
}

// Done reports whether the last chunk has been accepted.
func (r *Reassembler) Done() bool { return r.done }

// EncodeAck renders a flow-control ACK chunk: header seq=SeqACK,
// last=false, followed by the literal text "SEQ <n>".
func EncodeAck(n int) []byte {
	body := []byte(fmt.Sprintf("SEQ %d", n))
	return append(Encode(Header{Seq: SeqACK, Last: false}), body...)
}
