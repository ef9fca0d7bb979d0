package mqttconn

import (
	"bytes"
	"testing"
	"time"

	"github.com/tve/mqboard/internal/mocknet"
	"github.com/tve/mqboard/internal/testutils"
	"github.com/tve/mqboard/internal/wire"
)

func connectedPair(t *testing.T, cb Callbacks) (*Session, *mocknet.Conn) {
	conn := mocknet.NewMockConnection()
	s := New(conn, cb)
	done := make(chan error, 1)
	go func() {
		done <- s.Connect(wire.ConnectOptions{ClientID: []byte("dev1"), CleanSession: true})
	}()
	// act as the broker: read the CONNECT, ignore it, reply CONNACK
	buf := make([]byte, 256)
	n, err := conn.Remote().Read(buf)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(n > 0, t)
	_, err = conn.Remote().Write([]byte{byte(wire.FirstByteConnAck), 2, 0, wire.ConnAccepted})
	testutils.CheckNotError(err, t)
	err = <-done
	testutils.CheckNotError(err, t)
	return s, conn
}

func Test_Connect_succeeds_on_accepted_connack(t *testing.T) {
	defer testutils.ShouldNotPanic(t)
	connectedPair(t, Callbacks{})
}

func Test_Connect_returns_RefusedError_on_rejection(t *testing.T) {
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{})
	done := make(chan error, 1)
	go func() {
		done <- s.Connect(wire.ConnectOptions{ClientID: []byte("dev1")})
	}()
	buf := make([]byte, 256)
	conn.Remote().Read(buf)
	conn.Remote().Write([]byte{byte(wire.FirstByteConnAck), 2, 0, wire.ConnRefusedNotAuthorized})
	err := <-done
	testutils.CheckError(err, t)
	_, ok := err.(*wire.RefusedError)
	testutils.CheckTrue(ok, t)
}

func Test_Publish_writes_expected_bytes_on_wire(t *testing.T) {
	s, conn := connectedPair(t, Callbacks{})
	done := make(chan error, 1)
	go func() {
		done <- s.Publish(wire.Message{Topic: []byte("a/b"), Payload: []byte("hi"), QoS: 0}, false)
	}()
	buf := make([]byte, 256)
	n, err := conn.Remote().Read(buf)
	testutils.CheckNotError(err, t)
	testutils.CheckNotError(<-done, t)
	testutils.CheckEqual(byte(wire.TypePublish<<4), buf[0], t)
	testutils.CheckTrue(n > 2, t)
}

func Test_ReadOne_dispatches_publish_and_sends_puback_for_qos1(t *testing.T) {
	var received wire.Message
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{
		OnPublish: func(msg wire.Message) error {
			received = msg
			return nil
		},
	})

	single, _, _ := wire.EncodePublish(wire.Message{Topic: []byte("x"), Payload: []byte("v"), QoS: 1, PID: 9})
	conn.Remote().Write(single)

	err := s.ReadOne()
	testutils.CheckNotError(err, t)
	testutils.CheckEqual([]byte("x"), received.Topic, t)
	testutils.CheckEqual([]byte("v"), received.Payload, t)

	ackBuf := make([]byte, 16)
	n, err := conn.Remote().Read(ackBuf)
	testutils.CheckNotError(err, t)
	pid, err := wire.DecodePubAck(ackBuf[2:n])
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(uint16(9), pid, t)
}

func Test_ReadOne_dispatches_puback(t *testing.T) {
	var gotPid uint16
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{OnPubAck: func(pid uint16) { gotPid = pid }})
	conn.Remote().Write(wire.EncodePubAck(77))
	testutils.CheckNotError(s.ReadOne(), t)
	testutils.CheckEqual(uint16(77), gotPid, t)
}

func Test_ReadOne_dispatches_pingresp(t *testing.T) {
	called := false
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{OnPingResp: func() { called = true }})
	conn.Remote().Write([]byte{byte(wire.TypePingResp << 4), 0})
	testutils.CheckNotError(s.ReadOne(), t)
	testutils.CheckTrue(called, t)
}

func Test_ReadOne_returns_error_on_broker_disconnect(t *testing.T) {
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{})
	conn.Remote().Write([]byte{byte(wire.TypeDisconnect << 4), 0})
	err := s.ReadOne()
	testutils.CheckError(err, t)
}

func Test_ReadOne_returns_ErrConnClosed_when_peer_closes(t *testing.T) {
	conn := mocknet.NewMockConnection()
	s := New(conn, Callbacks{})
	conn.Close()
	err := s.ReadOne()
	testutils.CheckEqual(ErrConnClosed, err, t)
}

func Test_LastAck_updated_after_connect(t *testing.T) {
	before := time.Now()
	s, _ := connectedPair(t, Callbacks{})
	testutils.CheckTrue(!s.LastAck().Before(before), t)
}

func Test_Disconnect_writes_disconnect_packet_then_closes(t *testing.T) {
	s, conn := connectedPair(t, Callbacks{})
	s.Disconnect()
	buf := make([]byte, 16)
	n, err := conn.Remote().Read(buf)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(bytes.Equal(buf[:n], []byte{byte(wire.FirstByteDisconnect), 0}), t)
}
