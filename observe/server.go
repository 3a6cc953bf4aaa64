// Package observe implements the RFC 7641 observer tracking of spec §4.4:
// server-side subscriber registration/notification and client-side
// outstanding-observation tracking with max-age countdown.
package observe

import (
	"bytes"
	"net"
	"sync"

	"github.com/iotfleet/coaplink/resource"
)

// DefaultNotifyDelta is OBSERVE_NOTIFY_DELTA_MAX_AGE from §4.4.
const DefaultNotifyDelta = 2

// Observer is a server-side registration (§3 "Observer (server-side)"):
// one client's standing interest in one resource.
type Observer struct {
	Remote            net.Addr
	Token             []byte
	Resource          *resource.Node
	ContentFormat     uint16
	seq               uint32 // monotonically increasing, wraps mod 2^24
}

// NextSequence returns the next 24-bit observe sequence number for this
// observer and advances it: strictly increasing per observer, modulo 2^24
// wrap. The counter belongs to the Observer, not to the resource: each new
// observer starts again from 1, independently of other observers of the
// same resource.
func (o *Observer) NextSequence() uint32 {
	o.seq = (o.seq + 1) & 0xFFFFFF
	return o.seq
}

// Table is the server-side observer list. One recursive-safe mutex guards
// it, matching §5's "one recursive guard per engine" / §9 global-mutable-
// state design note.
type Table struct {
	mu        sync.Mutex
	observers []*Observer
}

// NewTable returns an empty server-side observer table.
func NewTable() *Table {
	return &Table{}
}

// Register adds a new observer, or reinforces an existing one for the same
// (remote, token) pair in place — RFC 7641 §4.1: "If an entry with a
// matching endpoint/token pair is already present ... the server MUST NOT
// add a new entry but MUST replace or update the existing one."
func (t *Table) Register(remote net.Addr, token []byte, res *resource.Node, contentFormat uint16) *Observer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing := t.find(remote, token); existing != nil {
		existing.Resource = res
		existing.ContentFormat = contentFormat
		return existing
	}
	o := &Observer{Remote: remote, Token: append([]byte(nil), token...), Resource: res, ContentFormat: contentFormat}
	t.observers = append(t.observers, o)
	return o
}

// Unregister removes the observer matching (remote, token), if any.
func (t *Table) Unregister(remote net.Addr, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.observers {
		if sameEndpoint(o.Remote, remote) && bytes.Equal(o.Token, token) {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// UnregisterObserver removes a specific *Observer, used when a CON
// notification's retransmission is exhausted or answered with RST (§4.4).
func (t *Table) UnregisterObserver(o *Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.observers {
		if existing == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// find must be called with t.mu held.
func (t *Table) find(remote net.Addr, token []byte) *Observer {
	for _, o := range t.observers {
		if sameEndpoint(o.Remote, remote) && bytes.Equal(o.Token, token) {
			return o
		}
	}
	return nil
}

// ForResource returns a snapshot slice of observers watching res. The
// table is snapshotted rather than iterated live so that a notification
// callback may safely call UnregisterObserver on the same resource
// without invalidating an in-progress range — the reentrancy discipline
// spec §9 calls for ("no iterator is live across the call").
func (t *Table) ForResource(res *resource.Node) []*Observer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Observer
	for _, o := range t.observers {
		if o.Resource == res {
			out = append(out, o)
		}
	}
	return out
}

func sameEndpoint(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
