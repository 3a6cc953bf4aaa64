package observe

import (
	"bytes"
	"sync"
)

// Observation is a client-side outstanding observation (§3 "Observation
// (client-side)"): a token used when subscribing, the resource path, a
// max-age countdown and the last-seen sequence number.
type Observation struct {
	Token        []byte
	PathSegments []string
	MaxAge       uint32
	expireTime   uint32
	LastSeq      uint32
	haveSeq      bool
}

// ClientTable tracks a client's outstanding observations, created on
// reception of any response carrying an Observe option and destroyed when
// max-age expires without refresh or on explicit unregister (§3, §4.4).
type ClientTable struct {
	mu           sync.Mutex
	observations []*Observation
}

// NewClientTable returns an empty client-side observation table.
func NewClientTable() *ClientTable {
	return &ClientTable{}
}

// Register begins tracking an observation keyed by token.
func (c *ClientTable) Register(token []byte, path []string, maxAge uint32) *Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := &Observation{
		Token:        append([]byte(nil), token...),
		PathSegments: path,
		MaxAge:       maxAge,
		expireTime:   maxAge,
	}
	c.observations = append(c.observations, o)
	return o
}

// ByToken finds the in-flight observation matching a response's token, the
// correlation step of §4.4's "Client-side observation".
func (c *ClientTable) ByToken(token []byte) (*Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.observations {
		if bytes.Equal(o.Token, token) {
			return o, true
		}
	}
	return nil, false
}

// Refresh updates an observation on receipt of a new notification: the
// sequence number and max-age countdown are reset.
func (o *Observation) Refresh(seq uint32, maxAge uint32) {
	o.LastSeq = seq
	o.haveSeq = true
	o.MaxAge = maxAge
	o.expireTime = maxAge
}

// Unregister removes an observation explicitly (e.g. client sent Observe=1).
func (c *ClientTable) Unregister(token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.observations {
		if bytes.Equal(o.Token, token) {
			c.observations = append(c.observations[:i], c.observations[i+1:]...)
			return
		}
	}
}

// Tick decrements every observation's max-age countdown by one tick,
// removes the observations that expired this tick from the table and
// returns them, so the caller may send a refreshing GET per §4.4.
func (c *ClientTable) Tick() []*Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []*Observation
	var kept []*Observation
	for _, o := range c.observations {
		if o.expireTime > 0 {
			o.expireTime--
		}
		if o.expireTime == 0 {
			expired = append(expired, o)
			continue
		}
		kept = append(kept, o)
	}
	c.observations = kept
	return expired
}

// Len reports the number of tracked observations.
func (c *ClientTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observations)
}
