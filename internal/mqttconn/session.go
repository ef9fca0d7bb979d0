// Package mqttconn implements one live MQTT broker connection: the
// CONNECT handshake, the read loop that processes exactly one inbound
// packet per call, and serialized PUBLISH/SUBSCRIBE/PING/DISCONNECT
// writes. It owns no reconnection policy — that is internal/mqttclient's
// job — and raises every failure to its caller. One Session is good for
// exactly one connection; a fresh Session is created on every reconnect.
package mqttconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tve/mqboard/internal/wire"
)

// minReadChunk is the minimum replenishment size for buffered reads,
// keeping small-packet reads (PUBACK, PINGRESP) from costing a syscall
// each.
const minReadChunk = 128

// Callbacks are invoked from Session.ReadOne as packets arrive.
// OnPublish's returned error is surfaced to ReadOne's caller after the
// PUBACK for a QoS-1 publish has been written.
type Callbacks struct {
	OnPublish  func(msg wire.Message) error
	OnPubAck   func(pid uint16)
	OnSubAck   func(pid uint16, grantedQoS byte)
	OnPingResp func()
}

// Session is one bidirectional byte stream (plain TCP or TLS) speaking
// the MQTT 3.1.1 subset in internal/wire.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	cb     Callbacks

	writeMu sync.Mutex

	lastAckMu sync.Mutex
	lastAck   time.Time
}

// New wraps an already-dialed net.Conn. Callbacks must be non-nil;
// each field may be nil if the event cannot occur for this session's
// configuration (e.g. OnSubAck when the caller never subscribes).
func New(conn net.Conn, cb Callbacks) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, minReadChunk),
		cb:     cb,
	}
}

// Dial opens a TCP (or, if tlsConfig is non-nil, TLS) connection to
// addr and returns a Session ready for Connect. ctx governs only the
// dial itself; once connected, reads/writes block on the socket and
// are not context-aware, so a stuck peer is only noticed on the next
// ReadOne/write error or by the keepalive timeout in mqttclient.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, cb Callbacks) (*Session, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return New(conn, cb), nil
}

// DialWebSocket opens an MQTT-over-WebSocket connection (ws:// or
// wss://) and returns a Session ready for Connect, the alternate
// transport selected by mqttclient.Config.Transport == "ws" for
// brokers reachable only through a web-facing load balancer.
func DialWebSocket(ctx context.Context, url string, tlsConfig *tls.Config, cb Callbacks) (*Session, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"mqtt"},
	}
	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn := websocket.NetConn(context.Background(), wsConn, websocket.BinaryMessage)
	return New(conn, cb), nil
}

// Connect sends CONNECT and blocks for CONNACK. On any error the
// caller is responsible for closing the session.
func (s *Session) Connect(opt wire.ConnectOptions) error {
	pkt := wire.EncodeConnect(opt)
	if err := s.writeLocked(pkt); err != nil {
		return err
	}
	header := make([]byte, 2)
	if _, err := io.ReadFull(s.reader, header); err != nil {
		return wrapConnClosed(err)
	}
	if header[0] != byte(wire.FirstByteConnAck) || header[1] != 2 {
		return &wire.ProtoError{Reason: fmt.Sprintf("unexpected CONNACK header %v", header)}
	}
	body := make([]byte, 2)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return wrapConnClosed(err)
	}
	_, err := wire.DecodeConnAck(body)
	s.touchLastAck()
	return err
}

// Publish writes a PUBLISH packet, marking it a retransmission when
// dup is true. It does not wait for PUBACK; callers needing QoS-1
// confirmation track the PID themselves (internal/mqttclient).
func (s *Session) Publish(msg wire.Message, dup bool) error {
	msg.Dup = dup
	single, header, body := wire.EncodePublish(msg)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if single != nil {
		return s.rawWrite(single)
	}
	if err := s.rawWrite(header); err != nil {
		return err
	}
	return s.rawWrite(body)
}

// Subscribe writes a SUBSCRIBE packet for a single topic filter.
func (s *Session) Subscribe(topic []byte, qos int, pid uint16) error {
	return s.writeLocked(wire.EncodeSubscribe(topic, qos, pid))
}

// Ping writes a PINGREQ packet.
func (s *Session) Ping() error {
	return s.writeLocked(wire.EncodePingReq())
}

// Disconnect best-effort writes DISCONNECT with a short bounded drain
// so the broker suppresses the will, then closes the socket. It never
// returns an error: failures here are not actionable by the caller,
// who is tearing the session down regardless.
func (s *Session) Disconnect() {
	done := make(chan struct{})
	go func() {
		_ = s.writeLocked(wire.EncodeDisconnect())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
	s.conn.Close()
}

// Close closes the underlying connection without attempting a clean
// DISCONNECT; used by callers that already know the link is dead.
func (s *Session) Close() error { return s.conn.Close() }

// LastAck returns the timestamp of the most recent broker-originated
// packet, used by the keepalive loop in internal/mqttclient.
func (s *Session) LastAck() time.Time {
	s.lastAckMu.Lock()
	defer s.lastAckMu.Unlock()
	return s.lastAck
}

func (s *Session) touchLastAck() {
	s.lastAckMu.Lock()
	s.lastAck = time.Now()
	s.lastAckMu.Unlock()
}

// ReadOne blocks until exactly one inbound packet has been read and
// its callback invoked, giving the caller a natural per-packet
// cancellation/backpressure point instead of a free-running read
// goroutine. For a QoS-1 PUBLISH, it writes PUBACK only after
// OnPublish returns; the PUBACK is written even when OnPublish returns
// an error, which ReadOne then returns.
func (s *Session) ReadOne() error {
	firstByte, err := s.reader.ReadByte()
	if err != nil {
		return wrapConnClosed(err)
	}
	remaining, err := wire.DecodeVariableInt(s.reader)
	if err != nil {
		return err
	}
	body := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(s.reader, body); err != nil {
			return wrapConnClosed(err)
		}
	}
	s.touchLastAck()

	packetType := firstByte >> 4
	switch packetType {
	case wire.TypePingResp:
		if s.cb.OnPingResp != nil {
			s.cb.OnPingResp()
		}
	case wire.TypePubAck:
		pid, err := wire.DecodePubAck(body)
		if err != nil {
			return err
		}
		if s.cb.OnPubAck != nil {
			s.cb.OnPubAck(pid)
		}
	case wire.TypeSubAck:
		pid, grantedQoS, err := wire.DecodeSubAck(body)
		if err != nil {
			return err
		}
		if s.cb.OnSubAck != nil {
			s.cb.OnSubAck(pid, grantedQoS)
		}
	case wire.TypePublish:
		msg, err := wire.DecodePublish(firstByte, body)
		if err != nil {
			return err
		}
		var cbErr error
		if s.cb.OnPublish != nil {
			cbErr = s.cb.OnPublish(msg)
		}
		if msg.QoS == 1 {
			if err := s.writeLocked(wire.EncodePubAck(msg.PID)); err != nil {
				return err
			}
		}
		return cbErr
	case wire.TypeDisconnect:
		return &wire.ProtoError{Reason: "broker sent DISCONNECT"}
	default:
		return &wire.ProtoError{Reason: fmt.Sprintf("unexpected packet type %d", packetType)}
	}
	return nil
}

func (s *Session) writeLocked(pkt []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rawWrite(pkt)
}

func (s *Session) rawWrite(pkt []byte) error {
	_, err := s.conn.Write(pkt)
	if err != nil {
		log.WithError(err).Debug("mqttconn: write failed")
	}
	return err
}

func wrapConnClosed(err error) error {
	if err == io.EOF {
		return ErrConnClosed
	}
	return err
}

// ErrConnClosed is returned by Connect/ReadOne when the peer closed
// the connection; mqttclient treats it the same as any other link-down
// condition and reconnects.
var ErrConnClosed = fmt.Errorf("mqttconn: connection closed")
