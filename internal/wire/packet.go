package wire

import (
	"bytes"

	"github.com/tve/mqboard/internal/errs"
)

// ConnectOptions carries everything EncodeConnect needs to build a
// CONNECT packet.
type ConnectOptions struct {
	ClientID     []byte
	CleanSession bool
	KeepAlive    uint16 // seconds; 0 disables the MQTT keepalive attribute
	UserName     []byte // nil means anonymous
	Password     []byte
	Will         *Will
}

// EncodeConnect renders a full CONNECT packet (fixed header + variable
// header + payload), with the payload fields written in MQTT 3.1.1
// order: client id, will topic, will message, user name, password.
func EncodeConnect(opt ConnectOptions) []byte {
	var payload bytes.Buffer
	EncodeStringTo(opt.ClientID, &payload)

	flags := byte(0)
	if opt.CleanSession {
		flags |= ConnectCleanSessionFlag
	}
	if opt.Will != nil {
		flags |= ConnectWillFlag
		flags |= byte(opt.Will.QoS&0x3) << ConnectWillQoSShift
		if opt.Will.Retain {
			flags |= ConnectWillRetainFlag
		}
		EncodeStringTo(opt.Will.Topic, &payload)
		EncodeStringTo(opt.Will.Message, &payload)
	}
	if opt.UserName != nil {
		flags |= ConnectUserNameFlag
		EncodeStringTo(opt.UserName, &payload)
		if opt.Password != nil {
			flags |= ConnectPasswordFlag
			EncodeStringTo(opt.Password, &payload)
		}
	}

	var variableHeader bytes.Buffer
	EncodeStringTo([]byte(DefaultProtocol), &variableHeader)
	variableHeader.WriteByte(DefaultProtocolLevel)
	variableHeader.WriteByte(flags)
	Encode16BitIntTo(int(opt.KeepAlive), &variableHeader)

	var out bytes.Buffer
	out.WriteByte(FirstByteConnect)
	EncodeVariableIntTo(variableHeader.Len()+payload.Len(), &out)
	out.Write(variableHeader.Bytes())
	out.Write(payload.Bytes())
	return out.Bytes()
}

// DefaultProtocol and DefaultProtocolLevel are the MQTT 3.1.1 constants
// placed in the CONNECT variable header.
const (
	DefaultProtocol      = "MQTT"
	DefaultProtocolLevel = 4
)

// DecodeConnAck parses a CONNACK body (2 bytes after the fixed header).
// Returns the session-present flag and an error built from the reason
// code (nil if accepted).
func DecodeConnAck(body []byte) (sessionPresent bool, err error) {
	if len(body) != 2 {
		return false, protoErrorf("connack body length %d, want 2", len(body))
	}
	sessionPresent = body[0]&0x1 != 0
	if body[1] != ConnAccepted {
		return sessionPresent, &RefusedError{Reason: ConnAckError(body[1])}
	}
	return sessionPresent, nil
}

// RefusedError is a permanent rejection: a CONNACK reason code 1-5 or
// a SUBACK granted-QoS of 0x80. Never retried, unlike a transient
// link-down or timeout.
type RefusedError struct{ Reason string }

func (e *RefusedError) Error() string { return "refused: " + e.Reason }

// Unwrap lets errors.Is match a RefusedError against errs.ErrRefused.
func (e *RefusedError) Unwrap() error { return errs.ErrRefused }

// EncodePublish renders a PUBLISH packet. It returns the packet as a
// single buffer when header+payload fit within MaxSinglePacketWrite,
// otherwise it returns the header and body separately so the caller can
// issue two writes without copying the (possibly large) payload.
func EncodePublish(msg Message) (single []byte, header []byte, body []byte) {
	var variableHeader bytes.Buffer
	EncodeStringTo(msg.Topic, &variableHeader)
	if msg.QoS > 0 {
		Encode16BitIntTo(int(msg.PID), &variableHeader)
	}
	remaining := variableHeader.Len() + len(msg.Payload)

	first := byte(TypePublish << 4)
	if msg.Retain {
		first |= PublishRetainBit
	}
	first |= byte(msg.QoS&0x3) << PublishQoSShift
	if msg.Dup {
		first |= PublishDupBit
	}

	var head bytes.Buffer
	head.WriteByte(first)
	EncodeVariableIntTo(remaining, &head)
	head.Write(variableHeader.Bytes())

	if head.Len()+len(msg.Payload) <= MaxSinglePacketWrite {
		head.Write(msg.Payload)
		return head.Bytes(), nil, nil
	}
	return nil, head.Bytes(), msg.Payload
}

// DecodePublish parses a PUBLISH packet body given the fixed header's
// first byte and the already-read remaining-length body.
func DecodePublish(firstByte byte, body []byte) (Message, error) {
	qos := (int(firstByte) & PublishQoSMask) >> PublishQoSShift
	if qos == 2 {
		return Message{}, protoErrorf("unsupported QoS 2 publish")
	}
	r := bytes.NewReader(body)
	topic, err := ReadString(r)
	if err != nil {
		return Message{}, protoErrorf("malformed publish topic: %s", err)
	}
	msg := Message{
		Topic:  topic,
		Retain: firstByte&PublishRetainBit != 0,
		QoS:    qos,
		Dup:    firstByte&PublishDupBit != 0,
	}
	if qos > 0 {
		pid, err := Read16BitInt(r)
		if err != nil {
			return Message{}, protoErrorf("malformed publish pid: %s", err)
		}
		msg.PID = uint16(pid)
	}
	payload := make([]byte, r.Len())
	r.Read(payload)
	msg.Payload = payload
	return msg, nil
}

// EncodePubAck renders a PUBACK packet for the given packet identifier.
func EncodePubAck(pid uint16) []byte {
	var out bytes.Buffer
	out.WriteByte(FirstBytePubAck)
	out.WriteByte(2)
	Encode16BitIntTo(int(pid), &out)
	return out.Bytes()
}

// DecodePubAck parses a PUBACK body and returns the packet identifier.
func DecodePubAck(body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, protoErrorf("puback body length %d, want 2", len(body))
	}
	return uint16(body[0])<<8 | uint16(body[1]), nil
}

// EncodeSubscribe renders a SUBSCRIBE packet with a single topic filter.
func EncodeSubscribe(topic []byte, qos int, pid uint16) []byte {
	var payload bytes.Buffer
	EncodeStringTo(topic, &payload)
	payload.WriteByte(byte(qos))

	var out bytes.Buffer
	out.WriteByte(FirstByteSubscribe)
	EncodeVariableIntTo(2+payload.Len(), &out)
	Encode16BitIntTo(int(pid), &out)
	out.Write(payload.Bytes())
	return out.Bytes()
}

// DecodeSubAck parses a SUBACK body (pid + one granted-QoS byte per
// requested topic; mqboard subscribes one topic filter at a time).
func DecodeSubAck(body []byte) (pid uint16, grantedQoS byte, err error) {
	if len(body) < 3 {
		return 0, 0, protoErrorf("suback body length %d, want >= 3", len(body))
	}
	pid = uint16(body[0])<<8 | uint16(body[1])
	return pid, body[2], nil
}

// EncodePingReq renders a PINGREQ packet.
func EncodePingReq() []byte { return []byte{FirstBytePingReq, 0} }

// EncodeDisconnect renders a DISCONNECT packet.
func EncodeDisconnect() []byte { return []byte{FirstByteDisconnect, 0} }
