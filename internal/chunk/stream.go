package chunk

import "io"

// Emitter turns a byte stream into a sequence of chunk-framed payloads
// of at most BUFLEN bytes: read up to BUFLEN bytes per chunk, seq
// starting at 0, the chunk that reads short is marked last.
type Emitter struct {
	r       io.Reader
	seq     int
	emitted bool
}

// NewEmitter wraps r for chunked emission.
func NewEmitter(r io.Reader) *Emitter { return &Emitter{r: r} }

// Next reads the next chunk. It returns the framed payload (header +
// data) and whether this was the last chunk. Once Next has returned
// last=true, it must not be called again.
func (e *Emitter) Next() (framed []byte, last bool, err error) {
	buf := make([]byte, BUFLEN)
	n, rerr := io.ReadFull(e.r, buf)
	if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
		rerr = nil
	} else if rerr != nil {
		return nil, false, rerr
	}
	last = n < BUFLEN
	h := Header{Seq: e.seq, Last: last}
	e.seq++
	e.emitted = true
	return append(Encode(h), buf[:n]...), last, nil
}
