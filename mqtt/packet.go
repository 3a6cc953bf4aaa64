// Package mqtt implements an MQTT 3.1/3.1.1 client: the control-packet
// codec of spec §4.1/§4.7 (remaining-length varint, UTF-8/binary strings,
// CONNECT/CONNACK/PUBLISH/SUBSCRIBE/UNSUBSCRIBE/PING framing) and the
// client-side connection state machine. Grounded on the original nRF5 IoT
// SDK's mqtt_encoder.c/mqtt_decoder.c/mqtt_internal.h, reworked from their
// offset-into-fixed-buffer style into Go's slice-growing idiom.
package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Control packet types, packed into the high nibble of the fixed header's
// first byte (mqtt_internal.h's MQTT_PKT_TYPE_* constants).
const (
	typeConnect     byte = 0x10
	typeConnAck     byte = 0x20
	typePublish     byte = 0x30
	typePubAck      byte = 0x40
	typePubRec      byte = 0x50
	typePubRel      byte = 0x60
	typePubComp     byte = 0x70
	typeSubscribe   byte = 0x82 // QoS 1 fixed per protocol requirement
	typeSubAck      byte = 0x90
	typeUnsubscribe byte = 0xA2
	typeUnsubAck    byte = 0xB0
	typePingReq     byte = 0xC0
	typePingResp    byte = 0xD0
	typeDisconnect  byte = 0xE0
)

// Fixed-header flag bits (mqtt_internal.h's MQTT_HEADER_*_MASK).
const (
	flagDup    byte = 0x08
	flagQoSMask byte = 0x06
	flagRetain byte = 0x01
)

// CONNECT flag bits (mqtt_internal.h's MQTT_CONNECT_FLAG_*).
const (
	connectFlagCleanSession byte = 0x02
	connectFlagWillTopic    byte = 0x04
	connectFlagWillRetain   byte = 0x20
	connectFlagPassword     byte = 0x40
	connectFlagUsername     byte = 0x80
)

// MaxRemainingLength is the largest value the four-byte variable-length
// encoding can represent (spec §3 "MQTT remaining-length").
const MaxRemainingLength = 268435455

// ErrRemainingLengthTooLarge is returned by EncodeRemainingLength when n
// exceeds MaxRemainingLength.
var ErrRemainingLengthTooLarge = errors.New("mqtt: remaining length exceeds 268,435,455")

// ErrTruncated is returned when a fixed header or packet body ends before
// the decoder expects it to.
var ErrTruncated = errors.New("mqtt: truncated packet")

// EncodeRemainingLength packs n as the MQTT variable-length integer: seven
// payload bits per byte, continuation bit set on every non-terminal byte.
func EncodeRemainingLength(n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return nil, ErrRemainingLengthTooLarge
	}
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out, nil
}

// DecodeRemainingLength reads the variable-length integer starting at
// b[0], returning its value and the number of bytes consumed (1-4).
func DecodeRemainingLength(b []byte) (value int, consumed int, err error) {
	multiplier := 1
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncated
		}
		encoded := b[i]
		value += int(encoded&0x7F) * multiplier
		consumed++
		if encoded&0x80 == 0 {
			return value, consumed, nil
		}
		multiplier *= 128
	}
	return 0, 0, fmt.Errorf("mqtt: remaining length encoding exceeds 4 bytes")
}

// appendString appends a length-prefixed UTF-8 string (spec §3 "MQTT
// strings": a two-byte big-endian count, tolerating zero length).
func appendString(buf []byte, s string) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s)))
	buf = append(buf, length[:]...)
	return append(buf, s...)
}

// appendBinary appends a length-prefixed binary string, used for the
// CONNECT Will message (the PUBLISH payload itself is unlength-prefixed
// and is appended directly).
func appendBinary(buf []byte, b []byte) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(b)))
	buf = append(buf, length[:]...)
	return append(buf, b...)
}

func readString(b []byte, off int) (string, int, error) {
	if off+2 > len(b) {
		return "", 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+n > len(b) {
		return "", 0, ErrTruncated
	}
	return string(b[off : off+n]), off + n, nil
}

// assemble wraps a variable header + payload with the fixed header: type
// byte (including flags) followed by the encoded remaining length. This
// is the Go-slice equivalent of mqtt_encode_fixed_header's five-byte
// head-room trick — growing a slice is cheaper here than the original's
// back-fill, so we simply prepend.
func assemble(typeAndFlags byte, body []byte) ([]byte, error) {
	rl, err := EncodeRemainingLength(len(body))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(rl)+len(body))
	out = append(out, typeAndFlags)
	out = append(out, rl...)
	out = append(out, body...)
	return out, nil
}

// FixedHeader is a decoded packet's type/flags and the offset of its body.
type FixedHeader struct {
	Type       byte
	Flags      byte
	RemainingLength int
	BodyOffset int
}

// DecodeFixedHeader parses the 1+N byte fixed header common to every MQTT
// control packet.
func DecodeFixedHeader(b []byte) (FixedHeader, error) {
	if len(b) < 2 {
		return FixedHeader{}, ErrTruncated
	}
	rl, n, err := DecodeRemainingLength(b[1:])
	if err != nil {
		return FixedHeader{}, err
	}
	return FixedHeader{
		Type:            b[0] & 0xF0,
		Flags:           b[0] & 0x0F,
		RemainingLength: rl,
		BodyOffset:      1 + n,
	}, nil
}

// ConnectOptions is the subset of the CONNECT variable header and payload
// an application configures (spec §3 "MQTT client record").
type ConnectOptions struct {
	ProtocolLevel byte // 3 (MQIsdp/3.1) or 4 (MQTT/3.1.1)
	ClientID      string
	CleanSession  bool
	KeepAlive     uint16
	Username      string
	Password      string
	WillTopic     string
	WillMessage   []byte
	WillQoS       byte
	WillRetain    bool
}

func protocolDescriptor(level byte) string {
	if level == 3 {
		return "MQIsdp"
	}
	return "MQTT"
}

// EncodeConnect builds a full CONNECT packet (spec §4.7 "CONNECT packet").
func EncodeConnect(opts ConnectOptions) []byte {
	var body []byte
	body = appendString(body, protocolDescriptor(opts.ProtocolLevel))
	body = append(body, opts.ProtocolLevel)

	var flags byte
	if opts.CleanSession {
		flags |= connectFlagCleanSession
	}
	hasWill := opts.WillTopic != ""
	if hasWill {
		flags |= connectFlagWillTopic
		flags |= (opts.WillQoS << 3) & 0x18
		if opts.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if opts.Password != "" {
		flags |= connectFlagPassword
	}
	if opts.Username != "" {
		flags |= connectFlagUsername
	}
	body = append(body, flags)

	var keepAlive [2]byte
	binary.BigEndian.PutUint16(keepAlive[:], opts.KeepAlive)
	body = append(body, keepAlive[:]...)

	body = appendString(body, opts.ClientID)
	if hasWill {
		body = appendString(body, opts.WillTopic)
		body = appendBinary(body, opts.WillMessage)
	}
	if opts.Username != "" {
		body = appendString(body, opts.Username)
	}
	if opts.Password != "" {
		body = appendString(body, opts.Password)
	}

	buf, _ := assemble(typeConnect, body) // CONNECT body never exceeds MaxRemainingLength
	return buf
}

// ConnAck is the decoded CONNACK variable header.
type ConnAck struct {
	SessionPresent bool
	ReturnCode     byte
}

// CONNACK return codes (spec §4.7; RFC 3.2.2.3).
const (
	ConnAckAccepted                     byte = 0
	ConnAckRefusedProtocolVersion       byte = 1
	ConnAckRefusedIdentifierRejected    byte = 2
	ConnAckRefusedServerUnavailable     byte = 3
	ConnAckRefusedBadCredentials        byte = 4
	ConnAckRefusedNotAuthorized         byte = 5
)

// DecodeConnAck parses a CONNACK packet's body (the two bytes following
// the fixed header).
func DecodeConnAck(body []byte) (ConnAck, error) {
	if len(body) < 2 {
		return ConnAck{}, ErrTruncated
	}
	return ConnAck{
		SessionPresent: body[0]&0x01 != 0,
		ReturnCode:     body[1],
	}, nil
}

// Publish is a decoded PUBLISH packet (spec §4.7 "PUBLISH").
type Publish struct {
	Dup       bool
	QoS       byte
	Retain    bool
	Topic     string
	MessageID uint16 // valid only when QoS > 0
	Payload   []byte
}

// EncodePublish builds a PUBLISH packet. messageID is ignored when qos==0.
func EncodePublish(topic string, payload []byte, qos byte, dup bool, retain bool, messageID uint16) []byte {
	var body []byte
	body = appendString(body, topic)
	if qos > 0 {
		var mid [2]byte
		binary.BigEndian.PutUint16(mid[:], messageID)
		body = append(body, mid[:]...)
	}
	body = append(body, payload...)

	typeAndFlags := typePublish
	if dup {
		typeAndFlags |= flagDup
	}
	typeAndFlags |= (qos << 1) & flagQoSMask
	if retain {
		typeAndFlags |= flagRetain
	}
	buf, _ := assemble(typeAndFlags, body)
	return buf
}

// DecodePublish parses a PUBLISH packet's fixed header and body.
func DecodePublish(header FixedHeader, body []byte) (Publish, error) {
	topic, off, err := readString(body, 0)
	if err != nil {
		return Publish{}, err
	}
	p := Publish{
		Dup:    header.Flags&flagDup != 0,
		QoS:    (header.Flags & flagQoSMask) >> 1,
		Retain: header.Flags&flagRetain != 0,
		Topic:  topic,
	}
	if p.QoS > 0 {
		if off+2 > len(body) {
			return Publish{}, ErrTruncated
		}
		p.MessageID = binary.BigEndian.Uint16(body[off : off+2])
		off += 2
	}
	p.Payload = append([]byte(nil), body[off:]...)
	return p, nil
}

// EncodePubAck builds the QoS-1 acknowledgement for a PUBLISH.
func EncodePubAck(messageID uint16) []byte {
	var body [2]byte
	binary.BigEndian.PutUint16(body[:], messageID)
	buf, _ := assemble(typePubAck, body[:])
	return buf
}

// DecodeMessageIDBody decodes the common two-byte message-id body shared
// by PUBACK/PUBREC/PUBREL/PUBCOMP/SUBACK-without-codes.
func DecodeMessageIDBody(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint16(body), nil
}

// Subscription is one (topic, requested-QoS) pair for SUBSCRIBE.
type Subscription struct {
	Topic string
	QoS   byte
}

// EncodeSubscribe builds a SUBSCRIBE packet, always sent at QoS 1 per
// protocol requirement (spec §4.7 "SUBSCRIBE / UNSUBSCRIBE").
func EncodeSubscribe(messageID uint16, subs []Subscription) []byte {
	var body []byte
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], messageID)
	body = append(body, mid[:]...)
	for _, s := range subs {
		body = appendString(body, s.Topic)
		body = append(body, s.QoS)
	}
	buf, _ := assemble(typeSubscribe, body)
	return buf
}

// EncodeUnsubscribe builds an UNSUBSCRIBE packet.
func EncodeUnsubscribe(messageID uint16, topics []string) []byte {
	var body []byte
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], messageID)
	body = append(body, mid[:]...)
	for _, topic := range topics {
		body = appendString(body, topic)
	}
	buf, _ := assemble(typeUnsubscribe, body)
	return buf
}

// SubAck is a decoded SUBACK: one return code per requested subscription.
type SubAck struct {
	MessageID   uint16
	ReturnCodes []byte
}

// DecodeSubAck parses a SUBACK packet's body.
func DecodeSubAck(body []byte) (SubAck, error) {
	if len(body) < 2 {
		return SubAck{}, ErrTruncated
	}
	return SubAck{
		MessageID:   binary.BigEndian.Uint16(body[:2]),
		ReturnCodes: append([]byte(nil), body[2:]...),
	}, nil
}

// PingReqPacket and PingRespPacket are the fixed two-byte keep-alive
// packets (spec §4.7 "Keep-alive").
var (
	PingReqPacket  = []byte{typePingReq, 0x00}
	PingRespPacket = []byte{typePingResp, 0x00}
)

// DisconnectPacket is the client-initiated graceful-close packet.
var DisconnectPacket = []byte{typeDisconnect, 0x00}
