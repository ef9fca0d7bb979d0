package wire

import (
	"bytes"
	"testing"

	"github.com/tve/mqboard/internal/testutils"
)

func Test_EncodeVariableInt_roundtrips_boundary_values(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, MaxRemainingLength} {
		encoded := EncodeVariableInt(v)
		got, err := DecodeVariableInt(bytes.NewReader(encoded))
		testutils.CheckNotError(err, t)
		testutils.CheckEqual(v, got, t)
	}
}

func Test_DecodeVariableInt_rejects_overlong_encoding(t *testing.T) {
	_, err := DecodeVariableInt(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
	testutils.CheckError(err, t)
}

func Test_EncodeConnect_clean_session_no_auth(t *testing.T) {
	pkt := EncodeConnect(ConnectOptions{ClientID: []byte("dev1"), CleanSession: true})
	testutils.CheckEqual(byte(FirstByteConnect), pkt[0], t)
	remaining, err := DecodeVariableInt(bytes.NewReader(pkt[1:]))
	testutils.CheckNotError(err, t)
	// variable header (10) + client id (2+4)
	testutils.CheckEqual(16, remaining, t)
}

func Test_EncodeConnect_with_will_and_credentials(t *testing.T) {
	pkt := EncodeConnect(ConnectOptions{
		ClientID: []byte("dev1"),
		UserName: []byte("u"),
		Password: []byte("p"),
		Will:     &Will{Topic: []byte("lwt"), Message: []byte("bye"), QoS: 1},
	})
	flagsByte := pkt[1+1+2+4+1] // after len, proto name(2+4), level
	testutils.CheckTrue(flagsByte&ConnectWillFlag != 0, t)
	testutils.CheckTrue(flagsByte&ConnectUserNameFlag != 0, t)
	testutils.CheckTrue(flagsByte&ConnectPasswordFlag != 0, t)
}

func Test_DecodeConnAck_accepted(t *testing.T) {
	sp, err := DecodeConnAck([]byte{0, ConnAccepted})
	testutils.CheckNotError(err, t)
	testutils.CheckFalse(sp, t)
}

func Test_DecodeConnAck_refused_maps_reason_string(t *testing.T) {
	_, err := DecodeConnAck([]byte{0, ConnRefusedNotAuthorized})
	testutils.CheckError(err, t)
	refused, ok := err.(*RefusedError)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("refused: not auth", refused.Error(), t)
}

func Test_EncodePublish_small_payload_single_write(t *testing.T) {
	single, header, body := EncodePublish(Message{Topic: []byte("t"), Payload: []byte("hi"), QoS: 0})
	testutils.CheckNotEqual(0, len(single), t)
	testutils.CheckNil(header, t)
	testutils.CheckNil(body, t)
}

func Test_EncodePublish_large_payload_splits_header_and_body(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, MaxSinglePacketWrite)
	single, header, body := EncodePublish(Message{Topic: []byte("t"), Payload: big, QoS: 1, PID: 7})
	testutils.CheckNil(single, t)
	testutils.CheckNotEqual(0, len(header), t)
	testutils.CheckEqual(len(big), len(body), t)
}

func Test_EncodePublish_then_DecodePublish_roundtrip_qos1_dup(t *testing.T) {
	msg := Message{Topic: []byte("a/b"), Payload: []byte("payload"), QoS: 1, PID: 42, Dup: true, Retain: true}
	single, header, body := EncodePublish(msg)
	testutils.CheckNotEqual(0, len(single), t)
	testutils.CheckNil(header, t)
	firstByte := single[0]
	r := bytes.NewReader(single[1:])
	remaining, err := DecodeVariableInt(r)
	testutils.CheckNotError(err, t)
	rest := make([]byte, remaining)
	r.Read(rest)
	got, err := DecodePublish(firstByte, rest)
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(msg.Topic, got.Topic, t)
	testutils.CheckEqual(msg.Payload, got.Payload, t)
	testutils.CheckEqual(msg.QoS, got.QoS, t)
	testutils.CheckEqual(msg.PID, got.PID, t)
	testutils.CheckTrue(got.Dup, t)
	testutils.CheckTrue(got.Retain, t)
	_ = body
}

func Test_DecodePublish_rejects_qos2(t *testing.T) {
	firstByte := byte(TypePublish<<4) | (2 << PublishQoSShift)
	_, err := DecodePublish(firstByte, []byte{0, 1, 'a'})
	testutils.CheckError(err, t)
}

func Test_EncodeSubscribe_then_DecodeSubAck(t *testing.T) {
	pkt := EncodeSubscribe([]byte("x/y"), 1, 5)
	testutils.CheckEqual(byte(FirstByteSubscribe), pkt[0], t)
	pid, qos, err := DecodeSubAck([]byte{0, 5, 1})
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(uint16(5), pid, t)
	testutils.CheckEqual(byte(1), qos, t)
}

func Test_EncodePubAck_then_DecodePubAck(t *testing.T) {
	pkt := EncodePubAck(1234)
	pid, err := DecodePubAck(pkt[2:])
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(uint16(1234), pid, t)
}
