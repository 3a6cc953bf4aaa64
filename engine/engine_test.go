package engine

import (
	"net"
	"testing"
	"time"

	"github.com/iotfleet/coaplink/coapmsg"
	"github.com/iotfleet/coaplink/content"
	"github.com/iotfleet/coaplink/resource"
	"github.com/iotfleet/coaplink/transport"
)

func loopbackAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("::1"), Port: port}
}

// rawCapture wires a bare transport.Mux (no engine) as a test client so a
// test can inspect exactly the bytes a server engine sent back.
func rawCapture(t *testing.T, port int) (*transport.Mux, chan coapmsg.Message) {
	t.Helper()
	mux := transport.NewMux(nil)
	if err := mux.ListenPlain(port); err != nil {
		t.Fatalf("listen plain %d: %v", port, err)
	}
	ch := make(chan coapmsg.Message, 8)
	mux.SetHandler(func(localPort int, remote net.Addr, result transport.Result, data []byte) {
		m, err := coapmsg.Decode(data)
		if err != nil {
			return
		}
		ch <- m
	})
	t.Cleanup(func() { _ = mux.Close() })
	return mux, ch
}

func recvMessage(t *testing.T, ch <-chan coapmsg.Message) coapmsg.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return coapmsg.Message{}
	}
}

func newServerEngine(t *testing.T, port int) (*Engine, *resource.Tree) {
	t.Helper()
	mux := transport.NewMux(nil)
	if err := mux.ListenPlain(port); err != nil {
		t.Fatalf("listen plain %d: %v", port, err)
	}
	t.Cleanup(func() { _ = mux.Close() })

	tree := resource.NewTree()
	tree.CreateRoot("", resource.PermGet)
	e := New(mux, tree, Config{})
	return e, tree
}

// TestPingInvariant is the §8 "Ping invariant" property carried to the
// engine boundary: an inbound empty CON (a ping) is always answered with
// an empty RST carrying the same message-id.
func TestPingInvariant(t *testing.T) {
	const serverPort, clientPort = 46900, 46901
	newServerEngine(t, serverPort)
	client, ch := rawCapture(t, clientPort)

	ping, err := coapmsg.Encode(coapmsg.Message{Type: coapmsg.CON, Code: coapmsg.Empty, ID: 0xabcd})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if err := client.Send(clientPort, loopbackAddr(serverPort), ping); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	reply := recvMessage(t, ch)
	if reply.Type != coapmsg.RST || reply.Code != coapmsg.Empty || reply.ID != 0xabcd {
		t.Fatalf("got %+v, want empty RST with id 0xabcd", reply)
	}
}

// TestRequestResponseRoundTrip exercises the full §4.5 request path: a
// GET against a resource with a handler returns a piggy-backed ACK
// carrying the handler's payload.
func TestRequestResponseRoundTrip(t *testing.T) {
	const serverPort, clientPort = 46902, 46903
	_, tree := newServerEngine(t, serverPort)

	root := tree.Root()
	sensors, err := tree.AddChild(root, "sensors", resource.PermGet)
	if err != nil {
		t.Fatalf("AddChild sensors: %v", err)
	}
	temp, err := tree.AddChild(sensors, "temp", resource.PermGet)
	if err != nil {
		t.Fatalf("AddChild temp: %v", err)
	}
	temp.Handler = resource.HandlerFunc(func(req *coapmsg.Message, n *resource.Node) (coapmsg.Code, uint16, []byte, error) {
		return coapmsg.Content, uint16(content.FormatTextPlain), []byte("21.5"), nil
	})

	client, ch := rawCapture(t, clientPort)

	req := coapmsg.Message{
		Type:  coapmsg.CON,
		Code:  coapmsg.GET,
		ID:    7,
		Token: []byte{0x42},
		Options: coapmsg.Options{
			coapmsg.NewStringOption(coapmsg.OptionURIPath, "sensors"),
			coapmsg.NewStringOption(coapmsg.OptionURIPath, "temp"),
		},
	}
	buf, err := coapmsg.Encode(req)
	if err != nil {
		t.Fatalf("encode req: %v", err)
	}
	if err := client.Send(clientPort, loopbackAddr(serverPort), buf); err != nil {
		t.Fatalf("send req: %v", err)
	}

	resp := recvMessage(t, ch)
	if resp.Type != coapmsg.ACK || resp.Code != coapmsg.Content || resp.ID != 7 {
		t.Fatalf("got %+v, want a piggy-backed 2.05 ACK with id 7", resp)
	}
	if string(resp.Payload) != "21.5" {
		t.Fatalf("got payload %q, want 21.5", resp.Payload)
	}
}

// TestMethodNotAllowed checks that a method outside a resource's
// permission bitmask produces 4.05.
func TestMethodNotAllowed(t *testing.T) {
	const serverPort, clientPort = 46904, 46905
	_, tree := newServerEngine(t, serverPort)
	root := tree.Root()
	_, err := tree.AddChild(root, "readonly", resource.PermGet)
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	client, ch := rawCapture(t, clientPort)
	req := coapmsg.Message{
		Type:  coapmsg.CON,
		Code:  coapmsg.PUT,
		ID:    9,
		Token: []byte{0x01},
		Options: coapmsg.Options{
			coapmsg.NewStringOption(coapmsg.OptionURIPath, "readonly"),
		},
	}
	buf, _ := coapmsg.Encode(req)
	if err := client.Send(clientPort, loopbackAddr(serverPort), buf); err != nil {
		t.Fatalf("send req: %v", err)
	}
	resp := recvMessage(t, ch)
	if resp.Code != coapmsg.MethodNotAllowed {
		t.Fatalf("got code %v, want 4.05", resp.Code)
	}
}

// TestObserveRegistrationAndNotify exercises §4.4: a GET with Observe=0
// registers the client and gets back an Observe option, and a later
// NotifyObservers call reaches it with a strictly greater sequence number.
func TestObserveRegistrationAndNotify(t *testing.T) {
	const serverPort, clientPort = 46906, 46907
	e, tree := newServerEngine(t, serverPort)
	root := tree.Root()
	led, err := tree.AddChild(root, "led3", resource.PermGet|resource.PermObserve)
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	led.MaxAge = 30
	led.ContentFormatMask = 1 << uint(content.FormatTextPlain)
	led.Handler = resource.HandlerFunc(func(req *coapmsg.Message, n *resource.Node) (coapmsg.Code, uint16, []byte, error) {
		return coapmsg.Content, uint16(content.FormatTextPlain), []byte("ON"), nil
	})

	client, ch := rawCapture(t, clientPort)
	req := coapmsg.Message{
		Type:  coapmsg.CON,
		Code:  coapmsg.GET,
		ID:    11,
		Token: []byte{0x55},
		Options: coapmsg.Options{
			coapmsg.NewUintOption(coapmsg.OptionObserve, 0),
			coapmsg.NewStringOption(coapmsg.OptionURIPath, "led3"),
		},
	}
	buf, _ := coapmsg.Encode(req)
	if err := client.Send(clientPort, loopbackAddr(serverPort), buf); err != nil {
		t.Fatalf("send req: %v", err)
	}

	first := recvMessage(t, ch)
	firstObs, ok := first.Options.Get(coapmsg.OptionObserve)
	if !ok {
		t.Fatalf("expected an Observe option in the registration response")
	}

	e.NotifyObservers(serverPort, led, []byte("OFF"), false)

	second := recvMessage(t, ch)
	secondObs, ok := second.Options.Get(coapmsg.OptionObserve)
	if !ok {
		t.Fatalf("expected an Observe option in the notification")
	}
	if secondObs.Uint() <= firstObs.Uint() {
		t.Fatalf("sequence did not increase: %d then %d", firstObs.Uint(), secondObs.Uint())
	}
	if string(second.Payload) != "OFF" {
		t.Fatalf("got payload %q, want OFF", second.Payload)
	}
}

// TestSendRequestTimeout is the §8 retransmit-exhaustion property observed
// through the engine's client API: a request to an address that never
// responds is reported exactly once, with KindTransmissionTimeout.
func TestSendRequestTimeout(t *testing.T) {
	const localPort = 46908
	mux := transport.NewMux(nil)
	if err := mux.ListenPlain(localPort); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer mux.Close()

	tree := resource.NewTree()
	tree.CreateRoot("", resource.PermGet)
	e := New(mux, tree, Config{
		AckTimeout:          20 * time.Millisecond,
		AckRandomFactor:     1.5,
		MaxRetransmit:       4,
		MaxTransmissionSpan: 2 * time.Second,
	})

	unreachable := loopbackAddr(46999) // nothing bound here
	req := coapmsg.Message{Code: coapmsg.GET, Token: []byte{0x07}}

	var calls int
	var lastErr error
	if _, err := e.SendRequest(localPort, unreachable, req, true, func(resp *coapmsg.Message, err error) {
		calls++
		lastErr = err
	}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	const period = 10 * time.Millisecond
	for i := 0; i < 2000 && calls == 0; i++ {
		e.Tick(localPort, period)
	}

	if calls != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", calls)
	}
	if !IsKind(lastErr, KindTransmissionTimeout) {
		t.Fatalf("got err %v, want KindTransmissionTimeout", lastErr)
	}
}
