// Package logbuffer implements the deferred log buffer: a
// process-wide, severity-prioritised eviction queue of log lines,
// flushed one at a time over MQTT once a session is available.
//
// The flush loop publishes whatever is queued, then waits for a wake
// signal rather than polling on a ticker. Eviction is severity-aware
// rather than a plain byte ring, so a burst of low-severity chatter
// can't push out an Error line that arrived first but happens to be
// older.
package logbuffer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxLine is the longest single log line kept; longer lines are
// truncated on insertion.
const MaxLine = 1024

// Severity orders log entries for eviction purposes: higher is more
// severe. logrus's own Level is ordered the
// opposite way (Panic==0 is most severe), so entries are translated
// via FromLogrus rather than reusing logrus.Level directly.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// FromLogrus maps a logrus.Level onto Severity.
func FromLogrus(l log.Level) Severity {
	switch l {
	case log.DebugLevel, log.TraceLevel:
		return SeverityDebug
	case log.InfoLevel:
		return SeverityInfo
	case log.WarnLevel:
		return SeverityWarning
	default:
		return SeverityError
	}
}

type entry struct {
	sev  Severity
	line string
}

// Buffer is an O(1)-append, byte-budgeted log queue.
type Buffer struct {
	mu       sync.Mutex
	minSev   Severity
	maxBytes int
	entries  []entry
	size     int
	signal   chan struct{}
}

// Init creates a Buffer that discards entries below minSev and keeps
// at most maxBytes of line data.
func Init(minSev Severity, maxBytes int) *Buffer {
	return &Buffer{minSev: minSev, maxBytes: maxBytes, signal: make(chan struct{}, 1)}
}

// Log appends a line at the given severity, truncating it to MaxLine
// and evicting older/lower-severity entries if the byte budget is
// exceeded.
func (b *Buffer) Log(sev Severity, line string) {
	if sev < b.minSev {
		return
	}
	if len(line) > MaxLine {
		line = line[:MaxLine]
	}
	b.mu.Lock()
	b.entries = append(b.entries, entry{sev, line})
	b.size += len(line)
	b.evictLocked()
	b.mu.Unlock()
	b.wake()
}

// Resize changes the byte budget, immediately evicting to fit it:
// below-WARNING entries first (oldest first) until it fits, then the
// oldest remaining entries regardless of severity.
func (b *Buffer) Resize(maxBytes int) {
	b.mu.Lock()
	b.maxBytes = maxBytes
	b.evictLocked()
	b.mu.Unlock()
}

func (b *Buffer) evictLocked() {
	for b.size > b.maxBytes {
		idx := -1
		for i, e := range b.entries {
			if e.sev < SeverityWarning {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		b.removeAtLocked(idx)
	}
	for b.size > b.maxBytes && len(b.entries) > 0 {
		b.removeAtLocked(0)
	}
}

func (b *Buffer) removeAtLocked(i int) {
	b.size -= len(b.entries[i].line)
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

func (b *Buffer) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Len reports the number of queued entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Size reports the number of bytes of queued line data.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Levels implements logrus.Hook: the buffer observes every level and
// lets minSev do the filtering.
func (b *Buffer) Levels() []log.Level { return log.AllLevels }

// Fire implements logrus.Hook, feeding every logged entry into the
// buffer alongside whatever other logrus output (e.g. lumberjack)
// the device agent has configured.
func (b *Buffer) Fire(e *log.Entry) error {
	b.Log(FromLogrus(e.Level), e.Message)
	return nil
}

// Publisher is the subset of mqttclient.Client the flusher needs.
type Publisher interface {
	Publish(ctx context.Context, topic, payload []byte, retain bool, qos int, sync bool) error
}

// Run blocks, publishing queued entries one at a time at QoS 1 as
// they arrive, retrying with a short backoff on publish failure,
// until ctx is done.
func (b *Buffer) Run(ctx context.Context, pub Publisher, topic []byte) {
	const backoff = 200 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		}
		for b.flushHead(ctx, pub, topic) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// flushHead publishes the oldest queued entry, if any, retrying with
// backoff on error. It returns true if there may be more to flush.
func (b *Buffer) flushHead(ctx context.Context, pub Publisher, topic []byte) bool {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return false
	}
	e := b.entries[0]
	b.mu.Unlock()

	for {
		if err := pub.Publish(ctx, topic, []byte(e.line), false, 1, true); err != nil {
			log.WithError(err).Debug("logbuffer: publish failed, retrying")
			select {
			case <-ctx.Done():
				return false
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		break
	}

	b.mu.Lock()
	if len(b.entries) > 0 && b.entries[0] == e {
		b.removeAtLocked(0)
	}
	b.mu.Unlock()
	return true
}

// DrainToThreeQuarters publishes entries synchronously until the
// queue is at or below 3/4 of loopSz, so a device that accumulated
// logs while offline doesn't spend its first minutes connected just
// catching up on backlog before the rest of startup proceeds.
func (b *Buffer) DrainToThreeQuarters(ctx context.Context, pub Publisher, topic []byte, loopSz int) {
	target := loopSz * 3 / 4
	for b.Size() > target {
		if !b.flushHead(ctx, pub, topic) {
			return
		}
	}
}
