package wire

// Message is an MQTT application message plus the delivery attributes
// the codec and session care about. Topic and Payload are opaque
// bytes, never assumed to be valid UTF-8 by this package.
type Message struct {
	Topic   []byte
	Payload []byte
	Retain  bool
	QoS     int // 0 or 1; QoS 2 is never negotiated by this client
	PID     uint16
	Dup     bool
}

// Will holds the CONNECT last-will fields.
type Will struct {
	Topic   []byte
	Message []byte
	QoS     int
	Retain  bool
}
