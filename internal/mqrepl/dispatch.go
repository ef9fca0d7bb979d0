// Package mqrepl implements the remote command dispatcher: it
// subscribes to {prefix}/cmd/#, parses the command topic, dedups
// duplicate deliveries seen before the first non-dup command after
// boot, looks up a Handler, and drives the reply over
// {prefix}/reply/out|err/{request-id} using internal/chunk framing.
// Topic routing is plain string splitting rather than a routing
// library, since the command set is small and fixed; panjf2000/ants/v2
// bounds the number of concurrently in-flight handler goroutines so a
// burst of distinct request ids can't spawn unbounded goroutines.
package mqrepl

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"github.com/tve/mqboard/internal/chunk"
	"github.com/tve/mqboard/internal/errs"
	"github.com/tve/mqboard/internal/wire"
)

// Publisher is the subset of mqttclient.Client the dispatcher needs,
// kept minimal so it can be faked in tests without a real session.
type Publisher interface {
	Publish(ctx context.Context, topic, payload []byte, retain bool, qos int, sync bool) error
	Subscribe(ctx context.Context, topic []byte, qos int) error
	OnMessage(f func(wire.Message))
}

// Handler processes one command. tail is the command-specific suffix
// of the topic (filename, hex SHA-256, or empty); payload is the
// chunk's data (header already stripped); seq/last are the chunk's
// C4 header fields. A Handler may be called multiple times for a
// multi-chunk command (put, ota) and once for single-chunk commands
// (eval, get).
//
// Return values:
//   - (nil, nil, nil): no reply for this chunk.
//   - (reply, nil, nil): a single-chunk reply (wrapped with header
//     0x80 0x00 and published as the final/only out chunk).
//   - (nil, stream, nil): the dispatcher drains stream as a chunked
//     out reply until EOF.
//   - (_, _, err): reported as a single err-topic reply.
type Handler func(tail string, payload []byte, seq int, last bool) (reply []byte, stream io.Reader, err error)

// Dispatcher owns the {prefix}/cmd/# subscription and per-request-id
// reassembly/reply state.
type Dispatcher struct {
	prefix   string
	pub      Publisher
	handlers map[string]Handler
	pool     *ants.Pool

	mu           sync.Mutex
	sawFirstReal bool // true once a non-dup command has been seen since boot
	requests     map[string]*requestState
}

type requestState struct {
	reassembler *chunk.Reassembler
	handler     Handler
}

// New creates a Dispatcher publishing/subscribing under prefix (no
// trailing slash) via pub. poolSize bounds concurrently running
// handler invocations, avoiding unbounded goroutine growth under a
// burst of concurrent request ids.
func New(prefix string, pub Publisher, poolSize int) (*Dispatcher, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("mqrepl: creating worker pool: %w", err)
	}
	d := &Dispatcher{
		prefix:   prefix,
		pub:      pub,
		handlers: make(map[string]Handler),
		pool:     pool,
		requests: make(map[string]*requestState),
	}
	pub.OnMessage(d.onMessage)
	return d, nil
}

// Handle registers a Handler for a command name (e.g. "eval", "get").
func (d *Dispatcher) Handle(command string, h Handler) {
	d.mu.Lock()
	d.handlers[command] = h
	d.mu.Unlock()
}

// Start subscribes to the command topic tree.
func (d *Dispatcher) Start(ctx context.Context) error {
	topic := []byte(d.prefix + "/cmd/#")
	return d.pub.Subscribe(ctx, topic, 1)
}

// Close releases the worker pool.
func (d *Dispatcher) Close() { d.pool.Release() }

func (d *Dispatcher) onMessage(msg wire.Message) {
	topic, payload, dup := msg.Topic, msg.Payload, msg.Dup
	cmdTopic := strings.TrimPrefix(string(topic), d.prefix+"/cmd/")
	if cmdTopic == string(topic) {
		return // not a command topic, e.g. a reply we're subscribed to in tests
	}

	d.mu.Lock()
	if dup && !d.sawFirstReal {
		d.mu.Unlock()
		log.Debug("mqrepl: dropping dup delivery seen before first real command")
		return
	}
	d.sawFirstReal = true
	d.mu.Unlock()

	command, requestID, tail, err := parseCommandTopic(cmdTopic)
	if err != nil {
		log.WithError(err).Warn("mqrepl: malformed command topic")
		return
	}

	if len(payload) < 2 {
		d.replyErr(requestID, fmt.Errorf("%w: command payload shorter than chunk header", errs.ErrProtocol))
		return
	}
	hdr, body, err := chunk.Decode(payload)
	if err != nil {
		d.replyErr(requestID, err)
		return
	}

	trace := uuid.New()
	err = d.pool.Submit(func() {
		log.WithFields(log.Fields{"trace": trace, "command": command, "request_id": requestID}).
			Debug("mqrepl: dispatching chunk")
		d.dispatchChunk(command, requestID, tail, hdr, body)
	})
	if err != nil {
		log.WithError(err).Warn("mqrepl: worker pool submit failed")
	}
}

func (d *Dispatcher) dispatchChunk(command, requestID, tail string, hdr chunk.Header, body []byte) {
	d.mu.Lock()
	st, ok := d.requests[requestID]
	if !ok {
		h, known := d.handlers[command]
		if !known {
			d.mu.Unlock()
			d.replyErr(requestID, fmt.Errorf("%w: unknown command %q", errs.ErrCommand, command))
			return
		}
		st = &requestState{reassembler: chunk.NewReassembler(), handler: h}
		d.requests[requestID] = st
	}
	d.mu.Unlock()

	accepted, err := st.reassembler.Accept(hdr)
	if err != nil {
		d.replyErr(requestID, err)
		d.forgetRequest(requestID)
		return
	}
	if !accepted {
		return // duplicate chunk, silently dropped per C4
	}

	reply, stream, err := st.handler(tail, body, hdr.Seq, hdr.Last)
	if err != nil {
		d.replyErr(requestID, fmt.Errorf("%w: %s", errs.ErrCommand, err))
		d.forgetRequest(requestID)
		return
	}
	if hdr.Last {
		d.forgetRequest(requestID)
	}

	switch {
	case stream != nil:
		d.streamReply(requestID, stream)
	case reply != nil:
		d.singleChunkReply(requestID, reply)
	}
}

func (d *Dispatcher) forgetRequest(requestID string) {
	d.mu.Lock()
	delete(d.requests, requestID)
	d.mu.Unlock()
}

// singleChunkReply publishes reply as the one and only out chunk,
// wrapped with header 0x80 0x00 (seq=0, last=true).
func (d *Dispatcher) singleChunkReply(requestID string, reply []byte) {
	framed := append(chunk.Encode(chunk.Header{Seq: 0, Last: true}), reply...)
	d.publishReply(requestID, "out", framed, true)
}

// streamReply drains stream as a chunked out reply to EOF: non-final
// chunks publish with sync=false so the supervisor's single async
// slot keeps the stream moving, the final chunk publishes with
// sync=true so streamReply returns only once that chunk is
// acknowledged.
func (d *Dispatcher) streamReply(requestID string, stream io.Reader) {
	if closer, ok := stream.(io.Closer); ok {
		defer closer.Close()
	}
	emitter := chunk.NewEmitter(stream)
	for {
		framed, last, err := emitter.Next()
		if err != nil {
			d.replyErr(requestID, fmt.Errorf("%w: %s", errs.ErrCommand, err))
			return
		}
		d.publishReply(requestID, "out", framed, last)
		if last {
			return
		}
	}
}

func (d *Dispatcher) replyErr(requestID string, err error) {
	framed := append(chunk.Encode(chunk.Header{Seq: 0, Last: true}), []byte(err.Error())...)
	d.publishReply(requestID, "err", framed, true)
}

func (d *Dispatcher) publishReply(requestID, kind string, framed []byte, sync bool) {
	topic := []byte(fmt.Sprintf("%s/reply/%s/%s", d.prefix, kind, requestID))
	ctx := context.Background()
	if err := d.pub.Publish(ctx, topic, framed, false, 1, sync); err != nil {
		log.WithError(err).Warn("mqrepl: reply publish failed")
	}
}

// parseCommandTopic splits "{command}/{request-id}[/{tail}]" (the
// part of the topic after "{prefix}/cmd/") into its three fields.
func parseCommandTopic(rest string) (command, requestID, tail string, err error) {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: malformed command topic %q", errs.ErrProtocol, rest)
	}
	command = parts[0]
	requestID = parts[1]
	if len(parts) == 3 {
		tail = parts[2]
	}
	return command, requestID, tail, nil
}
