package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"sync"

	"github.com/tve/mqboard/internal/errs"
	"github.com/tve/mqboard/internal/partition"
)

// ackEvery is how often (in accepted chunks) OTA returns a
// flow-control ack so the sender can bound its in-flight window.
const ackEvery = 8

// otaState holds one in-progress OTA transfer: a target partition
// handle, a running SHA-256, the expected next seq, the next flash
// block index, and a BlockSize block buffer with a fill level.
type otaState struct {
	part     *partition.Partition
	sum      hash.Hash
	nextSeq  int
	block    int
	buf      [partition.BlockSize]byte
	fill     int
	expected string
	accepted int
}

// OTA drives firmware updates onto a single target partition, the way
// esp32.Partition is used on the device this is modeled on: there is
// exactly one "other" partition to write, so a device has at most one
// OTA transfer in flight at a time.
type OTA struct {
	dir string

	mu sync.Mutex
	st *otaState
}

// NewOTA creates an OTA handler writing its working partition image
// under dir.
func NewOTA(dir string) *OTA {
	return &OTA{dir: dir}
}

// Update implements the mqrepl.Handler contract for "ota": tail is the
// expected hex-encoded SHA-256 of the complete image.
func (o *OTA) Update(tail string, payload []byte, seq int, last bool) ([]byte, io.Reader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq == 0 {
		part, err := partition.Open(filepath.Join(o.dir, "update.bin"))
		if err != nil {
			return nil, nil, err
		}
		o.st = &otaState{part: part, sum: sha256.New(), expected: tail}
	}
	st := o.st
	if st == nil {
		return nil, nil, fmt.Errorf("ota: chunk seq=%d with no transfer in progress (want seq=0 first)", seq)
	}
	if seq != st.nextSeq {
		o.st = nil
		st.part.Abort()
		return nil, nil, fmt.Errorf("%w: ota expected seq=%d, got %d", errs.ErrProtocol, st.nextSeq, seq)
	}
	st.nextSeq++

	st.sum.Write(payload)
	if err := feedBlocks(st, payload); err != nil {
		o.st = nil
		st.part.Abort()
		return nil, nil, err
	}

	if !last {
		st.accepted++
		if st.accepted%ackEvery == 0 {
			return []byte(fmt.Sprintf("SEQ %d", st.nextSeq)), nil, nil
		}
		return nil, nil, nil
	}

	o.st = nil
	if st.fill > 0 {
		for i := st.fill; i < partition.BlockSize; i++ {
			st.buf[i] = 0xFF
		}
		if err := st.part.WriteBlock(st.block, st.buf[:]); err != nil {
			st.part.Abort()
			return nil, nil, err
		}
	}

	got := hex.EncodeToString(st.sum.Sum(nil))
	if got != st.expected {
		st.part.Abort()
		return nil, nil, fmt.Errorf("%w: got %s, want %s", errs.ErrShaMismatch, got, st.expected)
	}
	if err := st.part.MarkBootable(); err != nil {
		return nil, nil, err
	}
	return []byte("OK"), nil, nil
}

// feedBlocks copies data into st's block buffer, flushing full blocks
// to the partition as they fill.
func feedBlocks(st *otaState, data []byte) error {
	for len(data) > 0 {
		n := copy(st.buf[st.fill:], data)
		st.fill += n
		data = data[n:]
		if st.fill == partition.BlockSize {
			if err := st.part.WriteBlock(st.block, st.buf[:]); err != nil {
				return err
			}
			st.block++
			st.fill = 0
		}
	}
	return nil
}
