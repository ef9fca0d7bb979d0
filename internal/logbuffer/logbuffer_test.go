package logbuffer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tve/mqboard/internal/testutils"
)

func Test_Log_discards_below_minSev(t *testing.T) {
	b := Init(SeverityWarning, 1000)
	b.Log(SeverityInfo, "ignored")
	testutils.CheckEqual(0, b.Len(), t)
	b.Log(SeverityError, "kept")
	testutils.CheckEqual(1, b.Len(), t)
}

func Test_Log_truncates_long_lines(t *testing.T) {
	b := Init(SeverityDebug, 1000000)
	long := strings.Repeat("x", MaxLine+100)
	b.Log(SeverityInfo, long)
	testutils.CheckEqual(MaxLine, b.Size(), t)
}

func Test_Resize_evicts_below_warning_first(t *testing.T) {
	b := Init(SeverityDebug, 1000)
	b.Log(SeverityInfo, "info-1")
	b.Log(SeverityError, "error-1")
	b.Log(SeverityInfo, "info-2")
	b.Resize(len("error-1"))
	testutils.CheckEqual(1, b.Len(), t)
}

func Test_Resize_evicts_oldest_when_all_above_warning(t *testing.T) {
	b := Init(SeverityDebug, 1000)
	b.Log(SeverityError, "first")
	b.Log(SeverityError, "second")
	b.Resize(len("second"))
	testutils.CheckEqual(1, b.Len(), t)
}

type fakePub struct {
	mu        sync.Mutex
	published []string
	failFirst int
}

func (f *fakePub) Publish(_ context.Context, _, payload []byte, _ bool, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errPublish
	}
	f.published = append(f.published, string(payload))
	return nil
}

var errPublish = &publishErr{}

type publishErr struct{}

func (*publishErr) Error() string { return "publish failed" }

func Test_Run_flushes_queued_entries_in_order(t *testing.T) {
	b := Init(SeverityDebug, 10000)
	b.Log(SeverityInfo, "one")
	b.Log(SeverityInfo, "two")

	pub := &fakePub{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, pub, []byte("dev/log"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pub.mu.Lock()
		n := len(pub.published)
		pub.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	testutils.CheckEqual([]string{"one", "two"}, pub.published, t)
}

func Test_DrainToThreeQuarters_stops_at_target(t *testing.T) {
	b := Init(SeverityDebug, 100000)
	for i := 0; i < 10; i++ {
		b.Log(SeverityInfo, "0123456789")
	}
	pub := &fakePub{}
	b.DrainToThreeQuarters(context.Background(), pub, []byte("dev/log"), 40)
	testutils.CheckTrue(b.Size() <= 30, t)
}
