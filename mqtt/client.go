package mqtt

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/iotfleet/coaplink/engine"
	"github.com/sirupsen/logrus"
)

// State is the client's connection state (spec §4.7 "MQTT client state
// machine"). The original nRF5 SDK tracks these as bits in a bitmask
// (mqtt_internal.h's SET_BIT/IS_SET/CLR_BIT over mqtt_state_t); the five
// values named there are mutually exclusive in practice, so a plain enum
// is the idiomatic Go rendering.
type State int

const (
	StateIdle State = iota
	StateTCPConnecting
	StateTCPConnected
	StateConnected
	StatePendingWrite
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTCPConnecting:
		return "tcp-connecting"
	case StateTCPConnected:
		return "tcp-connected"
	case StateConnected:
		return "connected"
	case StatePendingWrite:
		return "pending-write"
	default:
		return "unknown"
	}
}

// EventKind distinguishes asynchronous notifications delivered through
// Client.OnEvent.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPublish
	EventSubAck
	EventPubAck
	EventError
)

// Event is a single asynchronous notification from the client.
type Event struct {
	Kind    EventKind
	Publish Publish
	SubAck  SubAck
	Err     error
}

// Dialer opens the TCP (or TLS) connection a Client sends and receives
// over. Tests substitute a loopback dialer; production code passes
// net.Dialer.DialContext or tls.Dial wrapped to this signature.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// NetDialer is the default Dialer, a plain TCP connection.
func NetDialer(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Config configures a Client (spec §3 "MQTT client record").
type Config struct {
	Address      string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	KeepAlive    time.Duration
	WillTopic    string
	WillMessage  []byte
	WillQoS      byte
	WillRetain   bool
	ProtocolLevel byte // defaults to 4 (MQTT 3.1.1) when zero
	Dial         Dialer
	Log          logrus.FieldLogger
	OnEvent      func(Event)
}

// Client is an MQTT 3.1/3.1.1 client implementing the state machine and
// keep-alive/deferred-send rules of spec §4.7. Grounded on the original
// nRF5 SDK's mqtt.c client_connect/client_send/client_receive; reworked
// from its transport_procedure_t function-pointer table into a Dialer +
// net.Conn pair.
type Client struct {
	cfg Config
	log logrus.FieldLogger

	mu            sync.Mutex
	state         State
	conn          net.Conn
	pendingPacket []byte // assembled before the TCP connection completes
	nextMessageID uint16
	lastActivity  time.Time
	recvBuf       bytes.Buffer
}

// New constructs a Client in StateIdle. Connect must be called before any
// send.
func New(cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = NetDialer
	}
	if cfg.ProtocolLevel == 0 {
		cfg.ProtocolLevel = 4
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, log: log, state: StateIdle, nextMessageID: 1}
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the broker and assembles the CONNECT packet. The packet
// is sent once the TCP connection completes; if Connect is called while
// the client is not in StateIdle (a connection attempt is in flight or the
// client is already connected), it returns KindInvalidState.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return engine.New(engine.KindInvalidState, nil)
	}
	c.state = StateTCPConnecting
	connectPacket := EncodeConnect(ConnectOptions{
		ProtocolLevel: c.cfg.ProtocolLevel,
		ClientID:      c.cfg.ClientID,
		CleanSession:  c.cfg.CleanSession,
		KeepAlive:     uint16(c.cfg.KeepAlive / time.Second),
		Username:      c.cfg.Username,
		Password:      c.cfg.Password,
		WillTopic:     c.cfg.WillTopic,
		WillMessage:   c.cfg.WillMessage,
		WillQoS:       c.cfg.WillQoS,
		WillRetain:    c.cfg.WillRetain,
	})
	c.pendingPacket = connectPacket
	c.mu.Unlock()

	conn, err := c.cfg.Dial(ctx, c.cfg.Address)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return engine.New(engine.KindConnectionFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateTCPConnected
	pending := c.pendingPacket
	c.pendingPacket = nil
	c.mu.Unlock()

	if err := c.writeNow(pending); err != nil {
		c.closeLocked(err)
		return err
	}

	go c.readLoop()
	return nil
}

// writeNow writes a fully-assembled packet to the connection and marks
// activity for the keep-alive timer. It does not change c.state beyond
// what the caller already arranged.
func (c *Client) writeNow(packet []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return engine.New(engine.KindInvalidState, nil)
	}
	if _, err := conn.Write(packet); err != nil {
		return engine.New(engine.KindConnectionFailed, err)
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// send is the common entry point for every post-CONNECT packet. It
// refuses to overlap with a send already in flight (StatePendingWrite),
// matching the original client's single in-flight-write restriction.
func (c *Client) send(packet []byte) error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateTCPConnected {
		c.mu.Unlock()
		return engine.New(engine.KindInvalidState, nil)
	}
	prev := c.state
	c.state = StatePendingWrite
	c.mu.Unlock()

	err := c.writeNow(packet)

	c.mu.Lock()
	if c.state == StatePendingWrite {
		c.state = prev
	}
	c.mu.Unlock()
	return err
}

func (c *Client) nextID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextMessageID
	c.nextMessageID++
	if c.nextMessageID == 0 {
		c.nextMessageID = 1
	}
	return id
}

// Publish sends a PUBLISH packet. For qos 0 the returned message-id is 0
// and meaningless; for qos > 0 it identifies the PUBACK/PUBREC to expect.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	var id uint16
	if qos > 0 {
		id = c.nextID()
	}
	return id, c.send(EncodePublish(topic, payload, qos, false, retain, id))
}

// Subscribe sends a SUBSCRIBE packet and returns its message-id, which
// the caller matches against the EventSubAck delivered through OnEvent.
func (c *Client) Subscribe(subs []Subscription) (uint16, error) {
	id := c.nextID()
	return id, c.send(EncodeSubscribe(id, subs))
}

// Unsubscribe sends an UNSUBSCRIBE packet.
func (c *Client) Unsubscribe(topics []string) (uint16, error) {
	id := c.nextID()
	return id, c.send(EncodeUnsubscribe(id, topics))
}

// PublishAck sends the PUBACK for a QoS-1 PUBLISH identified by
// messageID. The engine never acks inbound PUBLISH packets on its own
// (spec §4.7: "acknowledged by the engine with PUBACK if the application
// chooses to call publish_ack"); an application calls this from its
// EventPublish handler once it has durably accepted the message.
func (c *Client) PublishAck(messageID uint16) error {
	return c.send(EncodePubAck(messageID))
}

// Disconnect sends DISCONNECT and closes the underlying connection.
func (c *Client) Disconnect() error {
	_ = c.send(DisconnectPacket)
	c.mu.Lock()
	conn := c.conn
	c.state = StateIdle
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) closeLocked(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.log.WithError(cause).Debug("mqtt client disconnected")
	c.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (c *Client) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// readLoop decodes packets off the connection until it closes or a
// decode error makes the stream unrecoverable. Runs on its own
// goroutine started by Connect.
func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			c.closeLocked(engine.New(engine.KindConnectionClosed, err))
			return
		}
		c.mu.Lock()
		c.recvBuf.Write(buf[:n])
		c.mu.Unlock()
		c.drainRecvBuffer()
	}
}

// drainRecvBuffer consumes as many complete packets as are currently
// buffered; a partial trailing packet is left for the next read.
func (c *Client) drainRecvBuffer() {
	for {
		c.mu.Lock()
		data := c.recvBuf.Bytes()
		header, err := DecodeFixedHeader(data)
		if err != nil {
			c.mu.Unlock()
			return // not enough bytes yet
		}
		total := header.BodyOffset + header.RemainingLength
		if len(data) < total {
			c.mu.Unlock()
			return
		}
		packet := append([]byte(nil), data[:total]...)
		c.recvBuf.Next(total)
		c.mu.Unlock()

		c.handlePacket(header, packet[header.BodyOffset:total])
	}
}

func (c *Client) handlePacket(header FixedHeader, body []byte) {
	switch header.Type {
	case typeConnAck:
		ack, err := DecodeConnAck(body)
		if err != nil {
			c.emit(Event{Kind: EventError, Err: err})
			return
		}
		if ack.ReturnCode != ConnAckAccepted {
			c.emit(Event{Kind: EventError, Err: engine.New(engine.KindConnectionFailed, nil)})
			return
		}
		c.mu.Lock()
		c.state = StateConnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnected})
	case typePublish:
		p, err := DecodePublish(header, body)
		if err != nil {
			c.emit(Event{Kind: EventError, Err: err})
			return
		}
		c.emit(Event{Kind: EventPublish, Publish: p})
	case typePubAck:
		id, err := DecodeMessageIDBody(body)
		if err == nil {
			c.emit(Event{Kind: EventPubAck, Publish: Publish{MessageID: id}})
		}
	case typeSubAck:
		ack, err := DecodeSubAck(body)
		if err == nil {
			c.emit(Event{Kind: EventSubAck, SubAck: ack})
		}
	case typePingResp:
		// keep-alive acknowledged; lastActivity was already updated on send
	}
}

// Tick drives the keep-alive timer (spec §4.8 "Tick driver"): if more
// than KeepAlive-2s has elapsed since the last write, a PINGREQ is sent.
// Pass the current wall-clock time on every call; tests may pass a
// synthetic time to exercise the timer deterministically.
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	state := c.state
	last := c.lastActivity
	keepAlive := c.cfg.KeepAlive
	c.mu.Unlock()

	if state != StateConnected || keepAlive <= 0 {
		return
	}
	margin := keepAlive - 2*time.Second
	if margin < 0 {
		margin = 0
	}
	if now.Sub(last) >= margin {
		if err := c.writeNow(PingReqPacket); err != nil {
			c.closeLocked(err)
		}
	}
}
