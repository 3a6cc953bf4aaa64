package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/iotfleet/coaplink/engine"
)

// pipeDialer returns a Dialer that hands the client one side of an
// in-memory net.Pipe and gives the test the other side, standing in for
// the broker. This avoids opening a real TCP socket for deterministic
// unit tests.
func pipeDialer(t *testing.T) (Dialer, <-chan net.Conn) {
	t.Helper()
	ch := make(chan net.Conn, 1)
	return func(ctx context.Context, address string) (net.Conn, error) {
		client, broker := net.Pipe()
		ch <- broker
		return client, nil
	}, ch
}

func readPacket(t *testing.T, conn net.Conn) (FixedHeader, []byte) {
	t.Helper()
	buf := make([]byte, 2)
	if _, err := fillExactly(conn, buf); err != nil {
		t.Fatalf("read fixed header prefix: %v", err)
	}
	// remaining length may span more bytes; read one at a time until the
	// continuation bit clears.
	rl := append([]byte(nil), buf[1:]...)
	for rl[len(rl)-1]&0x80 != 0 {
		b := make([]byte, 1)
		if _, err := fillExactly(conn, b); err != nil {
			t.Fatalf("read remaining length byte: %v", err)
		}
		rl = append(rl, b[0])
	}
	header, err := DecodeFixedHeader(append([]byte{buf[0]}, rl...))
	if err != nil {
		t.Fatalf("decode fixed header: %v", err)
	}
	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		if _, err := fillExactly(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return header, body
}

func fillExactly(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnectHandshake(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	events := make(chan Event, 8)
	c := New(Config{
		Address:  "broker:1883",
		ClientID: "dev1",
		Dial:     dial,
		OnEvent:  func(e Event) { events <- e },
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	broker := <-brokerCh
	header, body := readPacket(t, broker)
	if header.Type != typeConnect {
		t.Fatalf("got packet type %x, want CONNECT", header.Type)
	}
	proto, off, err := readString(body, 0)
	if err != nil || proto != "MQTT" {
		t.Fatalf("got protocol %q err %v", proto, err)
	}
	_ = off

	if _, err := broker.Write([]byte{0x20, 0x02, 0x00, ConnAckAccepted}); err != nil {
		t.Fatalf("write connack: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventConnected {
			t.Fatalf("got event %+v, want EventConnected", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for EventConnected")
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("got state %v, want connected", got)
	}
}

func TestPublishQoS1RoundTrip(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	events := make(chan Event, 8)
	c := New(Config{Address: "broker:1883", ClientID: "dev2", Dial: dial, OnEvent: func(e Event) { events <- e }})

	go c.Connect(context.Background())
	broker := <-brokerCh
	readPacket(t, broker) // CONNECT
	broker.Write([]byte{0x20, 0x02, 0x00, ConnAckAccepted})
	waitForEvent(t, events, EventConnected)

	id, err := c.Publish("led/state", []byte{0x31}, 1, false)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	header, body := readPacket(t, broker)
	if header.Type != typePublish {
		t.Fatalf("got type %x", header.Type)
	}
	p, err := DecodePublish(header, body)
	if err != nil {
		t.Fatalf("decode publish: %v", err)
	}
	if p.Topic != "led/state" || p.MessageID != id {
		t.Fatalf("got %+v", p)
	}

	broker.Write(EncodePubAck(id))
	ev := waitForEvent(t, events, EventPubAck)
	if ev.Publish.MessageID != id {
		t.Fatalf("got PUBACK for %d, want %d", ev.Publish.MessageID, id)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	events := make(chan Event, 8)
	c := New(Config{Address: "broker:1883", ClientID: "dev3", Dial: dial, OnEvent: func(e Event) { events <- e }})

	go c.Connect(context.Background())
	broker := <-brokerCh
	readPacket(t, broker)
	broker.Write([]byte{0x20, 0x02, 0x00, ConnAckAccepted})
	waitForEvent(t, events, EventConnected)

	id, err := c.Subscribe([]Subscription{{Topic: "a/b", QoS: 1}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	header, _ := readPacket(t, broker)
	if header.Type != typeSubscribe {
		t.Fatalf("got type %x", header.Type)
	}

	var suback []byte
	suback = append(suback, typeSubAck, 0x03)
	suback = append(suback, byte(id>>8), byte(id))
	suback = append(suback, 0x01)
	broker.Write(suback)

	ev := waitForEvent(t, events, EventSubAck)
	if ev.SubAck.MessageID != id || len(ev.SubAck.ReturnCodes) != 1 || ev.SubAck.ReturnCodes[0] != 1 {
		t.Fatalf("got %+v", ev.SubAck)
	}
}

// TestInboundPublishRequiresExplicitAck confirms the client never PUBACKs
// an inbound QoS-1 PUBLISH on its own: the application must call
// PublishAck from its EventPublish handler (spec §4.7).
func TestInboundPublishRequiresExplicitAck(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	events := make(chan Event, 8)
	var client *Client
	client = New(Config{Address: "broker:1883", ClientID: "dev4", Dial: dial, OnEvent: func(e Event) {
		events <- e
		if e.Kind == EventPublish {
			if err := client.PublishAck(e.Publish.MessageID); err != nil {
				t.Errorf("PublishAck: %v", err)
			}
		}
	}})

	go client.Connect(context.Background())
	broker := <-brokerCh
	readPacket(t, broker)
	broker.Write([]byte{0x20, 0x02, 0x00, ConnAckAccepted})
	waitForEvent(t, events, EventConnected)

	broker.Write(EncodePublish("cmd/dev4", []byte("on"), 1, false, false, 5))

	ev := waitForEvent(t, events, EventPublish)
	if ev.Publish.Topic != "cmd/dev4" || string(ev.Publish.Payload) != "on" {
		t.Fatalf("got %+v", ev.Publish)
	}

	header, body := readPacket(t, broker)
	if header.Type != typePubAck {
		t.Fatalf("got type %x, want PUBACK (sent explicitly by the OnEvent handler)", header.Type)
	}
	id, _ := DecodeMessageIDBody(body)
	if id != 5 {
		t.Fatalf("got PUBACK id %d, want 5", id)
	}
}

func TestConnectRejectsWhenNotIdle(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	c := New(Config{Address: "broker:1883", ClientID: "dev5", Dial: dial})
	go c.Connect(context.Background())
	<-brokerCh

	if err := c.Connect(context.Background()); !engine.IsKind(err, engine.KindInvalidState) {
		t.Fatalf("got %v, want invalid-state error", err)
	}
}

func TestTickSendsPingWhenIdleTooLong(t *testing.T) {
	dial, brokerCh := pipeDialer(t)
	events := make(chan Event, 8)
	c := New(Config{Address: "broker:1883", ClientID: "dev6", Dial: dial, KeepAlive: 10 * time.Second, OnEvent: func(e Event) { events <- e }})

	go c.Connect(context.Background())
	broker := <-brokerCh
	readPacket(t, broker)
	broker.Write([]byte{0x20, 0x02, 0x00, ConnAckAccepted})
	waitForEvent(t, events, EventConnected)

	base := time.Now()
	c.Tick(base) // just connected, no ping expected yet
	c.Tick(base.Add(9 * time.Second)) // past keepAlive(10s)-2s margin

	header, _ := readPacket(t, broker)
	if header.Type != typePingReq {
		t.Fatalf("got type %x, want PINGREQ", header.Type)
	}
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
