// Package tick implements the single periodic entry point of spec §4.8:
// one call, at whatever cadence the caller chooses, advances every
// registered CoAP engine's retransmit/observe countdowns and every
// registered MQTT client's keep-alive check.
//
// The cadence is never encoded here; countdowns are expressed in whole
// tick units in the packages underneath, and Driver.Tick simply forwards
// the caller-supplied period to each of them (spec §4.8: "the caller is
// responsible for the wall-clock correspondence").
package tick

import (
	"sync"
	"time"

	"github.com/iotfleet/coaplink/engine"
	"github.com/iotfleet/coaplink/mqtt"
)

// coapBinding pairs an engine with the local port its transport mux is
// bound to, since engine.Tick needs both to drive retransmission.
type coapBinding struct {
	eng  *engine.Engine
	port int
}

// Driver fans a single Tick call out to every engine and MQTT client
// registered with it (spec §4.8 steps 1-4; step 1's "transport-layer
// processing" happens in transport.Mux's own per-port read goroutines and
// the MQTT client's read goroutine, so it needs no explicit step here).
type Driver struct {
	mu      sync.Mutex
	engines []coapBinding
	clients []*mqtt.Client
}

// New returns an empty Driver; engines and clients are added with
// AddEngine/AddMQTTClient as they're constructed.
func New() *Driver {
	return &Driver{}
}

// AddEngine registers a CoAP engine bound to localPort for retransmit and
// observe-expiry ticking.
func (d *Driver) AddEngine(e *engine.Engine, localPort int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engines = append(d.engines, coapBinding{eng: e, port: localPort})
}

// AddMQTTClient registers an MQTT client for keep-alive ticking.
func (d *Driver) AddMQTTClient(c *mqtt.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = append(d.clients, c)
}

// Tick advances every registered engine's retransmit queue and
// auto-observe sweep by period, and every registered MQTT client's
// keep-alive timer as of now. Call this at a fixed cadence, typically
// 100ms-1s (spec §4.8).
func (d *Driver) Tick(now time.Time, period time.Duration) {
	d.mu.Lock()
	engines := append([]coapBinding(nil), d.engines...)
	clients := append([]*mqtt.Client(nil), d.clients...)
	d.mu.Unlock()

	for _, b := range engines {
		b.eng.Tick(b.port, period)
	}
	for _, c := range clients {
		c.Tick(now)
	}
}
