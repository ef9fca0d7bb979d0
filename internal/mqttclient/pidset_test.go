package mqttclient

import (
	"testing"

	"github.com/tve/mqboard/internal/testutils"
)

func Test_pidSet_alloc_skips_zero_and_increments(t *testing.T) {
	s := newPIDSet()
	first, ok := s.alloc()
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(1), first, t)
	second, ok := s.alloc()
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(2), second, t)
}

func Test_pidSet_free_allows_reuse(t *testing.T) {
	s := newPIDSet()
	pid, _ := s.alloc()
	s.free(pid)
	testutils.CheckFalse(s.getBit(int(pid)), t)
}

func Test_pidSet_alloc_wraps_from_0xFFFF_to_1(t *testing.T) {
	s := newPIDSet()
	s.next = 0xFFFE
	a, ok := s.alloc()
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(0xFFFF), a, t)
	b, ok := s.alloc()
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(1), b, t)
}

func Test_pidSet_alloc_returns_false_when_exhausted(t *testing.T) {
	s := newPIDSet()
	for i := range s.bits {
		s.bits[i] = ^uint64(0)
	}
	s.unsetBit(5)
	s.next = 4
	pid, ok := s.alloc()
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(5), pid, t)

	s2 := newPIDSet()
	for i := range s2.bits {
		s2.bits[i] = ^uint64(0)
	}
	_, ok2 := s2.alloc()
	testutils.CheckFalse(ok2, t)
}

func Test_pidSet_reset_clears_all_bits(t *testing.T) {
	s := newPIDSet()
	s.alloc()
	s.alloc()
	s.reset()
	testutils.CheckFalse(s.getBit(1), t)
	testutils.CheckFalse(s.getBit(2), t)
}
