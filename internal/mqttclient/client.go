// Package mqttclient implements the client supervisor: the reconnect
// loop, PID allocation, ACK waiters, keepalive pinging, and the
// sync/async publish slot built on top of one internal/mqttconn.Session
// at a time. It layers a long-lived, auto-reconnecting state machine
// on top of mqttconn's single-connection primitives, since a device
// agent needs to survive broker restarts and network drops for its
// entire lifetime rather than reconnect manually.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tve/mqboard/internal/errs"
	"github.com/tve/mqboard/internal/mqttconn"
	"github.com/tve/mqboard/internal/wire"
)

// state is the client's lifecycle position.
type state int

const (
	stateInit state = iota
	stateFirstConnected
	stateRunning
	stateDead
)

// connDelay is how long the supervisor loop waits between reconnect
// attempts.
const connDelay = 1 * time.Second

// pingPID is a sentinel PID used to track an outstanding PINGREQ in
// the same waiter map as PUBLISH/SUBSCRIBE acks. 0 is safe because
// pidSet never allocates it.
const pingPID uint16 = 0

// Config configures a Client. Server/Port/ClientID are required;
// everything else has a usable zero value.
type Config struct {
	Server       string
	Port         int
	ClientID     []byte
	UserName     []byte
	Password     []byte
	TLSConfig    *tls.Config // non-nil selects TLS; Port defaults to 8883 instead of 1883
	CleanSession bool
	Will         *wire.Will
	ResponseTime time.Duration // broker response timeout; default 10s
	KeepAlive    time.Duration // MQTT keepalive attribute; 0 disables it
	Transport    string        // "" or "tcp" for plain/TLS TCP, "ws" for MQTT-over-WebSocket
}

func (c *Config) setDefaults() {
	if c.ResponseTime <= 0 {
		c.ResponseTime = 10 * time.Second
	}
	if c.Port == 0 {
		if c.TLSConfig != nil {
			c.Port = 8883
		} else {
			c.Port = 1883
		}
	}
}

type ackWaiter struct {
	done chan struct{}
	qos  byte
	err  error
}

type pendingPublish struct {
	msg  wire.Message
	done <-chan struct{}
}

// Client is a supervised, auto-reconnecting MQTT client.
type Client struct {
	cfg Config

	mu    sync.Mutex
	state state
	sess  *mqttconn.Session

	pids    *pidSet
	waiters map[uint16]*ackWaiter

	prevPubMu sync.Mutex
	prevPub   *pendingPublish

	onMsg  []func(wire.Message)
	onWifi []func(up bool)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Client; call Start to begin connecting.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		pids:    newPIDSet(),
		waiters: make(map[uint16]*ackWaiter),
		stopCh:  make(chan struct{}),
	}
}

// OnMessage registers a callback invoked for every inbound PUBLISH,
// fanned out in registration order.
func (c *Client) OnMessage(f func(wire.Message)) {
	c.mu.Lock()
	c.onMsg = append(c.onMsg, f)
	c.mu.Unlock()
}

// OnWifi registers a callback invoked with true when a broker
// connection comes up and false when it is detected down.
func (c *Client) OnWifi(f func(bool)) {
	c.mu.Lock()
	c.onWifi = append(c.onWifi, f)
	c.mu.Unlock()
}

// Start connects for the first time and launches the background
// supervisor loop. It returns once the first connection succeeds (or
// fails), so a caller knows immediately whether the broker is
// reachable before going on to subscribe/publish.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		return err
	}
	go c.keepConnected(ctx)
	return nil
}

// Stop disconnects cleanly and stops the supervisor loop permanently.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	c.state = stateDead
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		sess.Disconnect()
	}
}

func (c *Client) addr() string { return fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port) }

// wsURL renders the broker address as a ws(s):// URL for the
// WebSocket transport, choosing the scheme from whether TLS is
// configured.
func (c *Client) wsURL() string {
	scheme := "ws"
	if c.cfg.TLSConfig != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/mqtt", scheme, c.addr())
}

// connectOnce dials, performs CONNECT, and — on the very first
// successful connection with CleanSession set — disconnects and
// reconnects with a non-clean session so a later transient drop
// doesn't make the broker discard subscription state.
func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	firstConnect := c.state == stateInit
	clean := firstConnect && c.cfg.CleanSession
	c.mu.Unlock()

	sess, err := c.dialAndHandshake(ctx, clean)
	if err != nil {
		return err
	}

	if firstConnect && clean {
		sess.Disconnect()
		c.mu.Lock()
		c.state = stateFirstConnected
		c.mu.Unlock()
		sess, err = c.dialAndHandshake(ctx, false)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sess = sess
	c.state = stateRunning
	c.mu.Unlock()

	if clean {
		c.pids.reset()
	}
	c.resendPendingAsyncPublish(sess)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return c.readLoop(sess) })
	g.Go(func() error { return c.keepAlive(sess) })
	go func() {
		// gctx ends as soon as either goroutine fails; tearing the
		// session down closes its socket, which ends the other one.
		<-gctx.Done()
		c.onSessionDead(sess)
	}()
	go func() {
		if err := g.Wait(); err != nil {
			log.WithError(err).Debug("mqttclient: session goroutines ended")
		}
	}()

	for _, f := range c.onWifi {
		f(true)
	}
	return nil
}

func (c *Client) dialAndHandshake(ctx context.Context, clean bool) (*mqttconn.Session, error) {
	cbs := mqttconn.Callbacks{
		OnPublish:  c.dispatchPublish,
		OnPubAck:   c.dispatchAck,
		OnSubAck:   c.dispatchSubAck,
		OnPingResp: c.dispatchPingResp,
	}
	var sess *mqttconn.Session
	var err error
	if c.cfg.Transport == "ws" {
		sess, err = mqttconn.DialWebSocket(ctx, c.wsURL(), c.cfg.TLSConfig, cbs)
	} else {
		sess, err = mqttconn.Dial(ctx, c.addr(), c.cfg.TLSConfig, cbs)
	}
	if err != nil {
		return nil, err
	}
	keepalive := uint16(0)
	if c.cfg.KeepAlive > 0 {
		keepalive = uint16(c.cfg.KeepAlive / time.Second)
	}
	err = sess.Connect(wire.ConnectOptions{
		ClientID:     c.cfg.ClientID,
		CleanSession: clean,
		KeepAlive:    keepalive,
		UserName:     c.cfg.UserName,
		Password:     c.cfg.Password,
		Will:         c.cfg.Will,
	})
	if err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) dispatchPublish(msg wire.Message) error {
	c.mu.Lock()
	cbs := append([]func(wire.Message){}, c.onMsg...)
	c.mu.Unlock()
	for _, f := range cbs {
		f(msg)
	}
	return nil
}

func (c *Client) dispatchAck(pid uint16) {
	c.mu.Lock()
	w, ok := c.waiters[pid]
	if ok {
		delete(c.waiters, pid)
	}
	c.mu.Unlock()
	if ok {
		c.pids.free(pid) // safe no-op for pid==pingPID, which pidSet never allocates
		close(w.done)
	}
}

func (c *Client) dispatchSubAck(pid uint16, grantedQoS byte) {
	c.mu.Lock()
	w, ok := c.waiters[pid]
	if ok {
		delete(c.waiters, pid)
	}
	c.mu.Unlock()
	if ok {
		w.qos = grantedQoS
		c.pids.free(pid)
		close(w.done)
	}
}

func (c *Client) dispatchPingResp() {
	c.dispatchAck(pingPID)
}

// readLoop processes inbound packets one at a time until the session
// fails, returning the error so the errgroup supervising it alongside
// keepAlive can tear the session down once, from whichever of the two
// notices first.
func (c *Client) readLoop(sess *mqttconn.Session) error {
	for {
		if err := sess.ReadOne(); err != nil {
			log.WithError(err).Debug("mqttclient: read loop ended")
			return err
		}
		c.mu.Lock()
		dead := c.sess != sess
		c.mu.Unlock()
		if dead {
			return nil
		}
	}
}

// keepAlive pings the broker when nothing has been heard for
// ResponseTime, and treats a failed/unanswered ping as a dead link
// (MQTT 3.1.2.10).
func (c *Client) keepAlive(sess *mqttconn.Session) error {
	for {
		idle := time.Since(sess.LastAck())
		if idle > c.cfg.ResponseTime {
			if err := c.pingAndWait(sess); err != nil {
				log.WithError(err).Debug("mqttclient: keepalive ping failed")
				return err
			}
			idle = time.Since(sess.LastAck())
		}
		sleepFor := c.cfg.ResponseTime - idle
		if min := c.cfg.ResponseTime / 4; sleepFor < min {
			sleepFor = min
		}
		select {
		case <-time.After(sleepFor):
		case <-c.stopCh:
			return nil
		}
		c.mu.Lock()
		dead := c.sess != sess
		c.mu.Unlock()
		if dead {
			return nil
		}
	}
}

func (c *Client) pingAndWait(sess *mqttconn.Session) error {
	w := &ackWaiter{done: make(chan struct{})}
	c.mu.Lock()
	c.waiters[pingPID] = w
	c.mu.Unlock()
	if err := sess.Ping(); err != nil {
		return err
	}
	return c.awaitWaiter(pingPID, w)
}

func (c *Client) awaitWaiter(pid uint16, w *ackWaiter) error {
	select {
	case <-w.done:
		return w.err
	case <-time.After(c.cfg.ResponseTime):
		c.mu.Lock()
		delete(c.waiters, pid)
		c.mu.Unlock()
		return errs.ErrTimeout
	}
}

// onSessionDead marks the current session as gone so the supervisor
// loop reconnects; it is a no-op if a later connection already
// replaced this one (avoids tearing down a fresh session because of a
// stale error from the old one).
func (c *Client) onSessionDead(sess *mqttconn.Session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()
	sess.Close()
	for _, f := range c.onWifi {
		f(false)
	}
}

// keepConnected is the long-lived supervisor loop: whenever there is
// no live session it retries connectOnce every connDelay.
func (c *Client) keepConnected(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		haveSess := c.sess != nil
		dead := c.state == stateDead
		c.mu.Unlock()
		if dead {
			return
		}
		if haveSess {
			select {
			case <-time.After(connDelay):
			case <-c.stopCh:
				return
			}
			continue
		}
		if err := c.connectOnce(ctx); err != nil {
			log.WithError(err).Debug("mqttclient: reconnect attempt failed")
			select {
			case <-time.After(connDelay):
			case <-c.stopCh:
				return
			}
		}
	}
}

// Subscribe sends SUBSCRIBE and waits for SUBACK, retrying on
// connection loss until a live session accepts or refuses it.
func (c *Client) Subscribe(ctx context.Context, topic []byte, qos int) error {
	for {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess == nil {
			if !c.sleepOrStop(ctx) {
				return errs.ErrLinkDown
			}
			continue
		}
		pid, ok := c.pids.alloc()
		if !ok {
			return fmt.Errorf("mqttclient: no free packet ids")
		}
		w := &ackWaiter{done: make(chan struct{})}
		c.mu.Lock()
		c.waiters[pid] = w
		c.mu.Unlock()

		err := sess.Subscribe(topic, qos, pid)
		if err == nil {
			err = c.awaitWaiter(pid, w)
		}
		c.pids.free(pid)
		if err == nil {
			if w.qos == wire.SubAckRefused {
				return &wire.RefusedError{Reason: "subscribe refused"}
			}
			return nil
		}
		log.WithError(err).Debug("mqttclient: subscribe failed, will retry")
		if !c.sleepOrStop(ctx) {
			return errs.ErrLinkDown
		}
	}
}

// Publish sends a message. For qos==0 it is fire-and-forget. For
// qos==1 and sync==true it blocks until PUBACK. For qos==1 and
// sync==false it first waits until the previous async publish (if any)
// has been acknowledged, then sends, occupies the single async slot and
// returns without waiting for its own PUBACK: only one async QoS-1
// publish is ever unacknowledged at a time, bounding memory and keeping
// retransmission ordering simple.
func (c *Client) Publish(ctx context.Context, topic, payload []byte, retain bool, qos int, sync bool) error {
	if qos > 0 && !sync {
		c.prevPubMu.Lock()
		prev := c.prevPub
		c.prevPubMu.Unlock()
		if prev != nil {
			select {
			case <-prev.done:
			case <-c.stopCh:
				return errs.ErrLinkDown
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	var pid uint16
	if qos > 0 {
		var ok bool
		pid, ok = c.pids.alloc()
		if !ok {
			return fmt.Errorf("mqttclient: no free packet ids")
		}
		// The pid is freed when its PUBACK arrives (dispatchAck), not
		// here: an async (sync==false) publish returns before that
		// happens, and freeing early would let a later Publish call
		// reuse the pid while this one is still awaiting its ack.
	}
	msg := wire.Message{Topic: topic, Payload: payload, Retain: retain, QoS: qos, PID: pid}

	// dup marks every retransmission of this same pid after the first
	// attempt: a sync publish that fails to send or never gets acked
	// reconnects and resends the identical message rather than giving
	// up, so the broker (and a dedup-aware subscriber) must see it
	// flagged as a possible duplicate of an already-delivered copy.
	dup := false
	for {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess == nil {
			if !c.sleepOrStop(ctx) {
				return errs.ErrLinkDown
			}
			continue
		}

		var w *ackWaiter
		if qos > 0 {
			w = &ackWaiter{done: make(chan struct{})}
			c.mu.Lock()
			c.waiters[pid] = w
			c.mu.Unlock()
		}

		err := sess.Publish(msg, dup)
		if err != nil {
			log.WithError(err).Debug("mqttclient: publish failed, will retry")
			dup = true
			if !c.sleepOrStop(ctx) {
				return errs.ErrLinkDown
			}
			continue
		}
		if qos == 0 {
			return nil
		}
		if !sync {
			c.occupyAsyncSlot(msg, w.done)
			return nil
		}
		if err := c.awaitWaiter(pid, w); err != nil {
			log.WithError(err).Debug("mqttclient: publish not acked, reconnecting and retrying")
			dup = true
			if !c.sleepOrStop(ctx) {
				return errs.ErrLinkDown
			}
			continue
		}
		c.pids.free(pid) // no-op if dispatchAck already freed it on success
		return nil
	}
}

// occupyAsyncSlot waits for any previously in-flight async publish to
// be acknowledged before handing the single slot to msg.
func (c *Client) occupyAsyncSlot(msg wire.Message, done <-chan struct{}) {
	c.prevPubMu.Lock()
	prev := c.prevPub
	c.prevPub = &pendingPublish{msg: msg, done: done}
	c.prevPubMu.Unlock()
	if prev != nil {
		<-prev.done
	}
}

// resendPendingAsyncPublish retransmits an async publish that was
// still unacknowledged when the connection dropped, marked dup since
// the broker may already have delivered and just lost the PUBACK.
func (c *Client) resendPendingAsyncPublish(sess *mqttconn.Session) {
	c.prevPubMu.Lock()
	prev := c.prevPub
	c.prevPubMu.Unlock()
	if prev == nil {
		return
	}
	select {
	case <-prev.done:
		return // already acked before we could resend
	default:
	}
	// The waiter registered by Publish stays in place, so the PUBACK
	// for this retransmission closes prev.done.
	if err := sess.Publish(prev.msg, true); err != nil {
		log.WithError(err).Debug("mqttclient: async republish failed")
	}
}

func (c *Client) sleepOrStop(ctx context.Context) bool {
	select {
	case <-time.After(connDelay):
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
