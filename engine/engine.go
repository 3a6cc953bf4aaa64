// Package engine is the top-level CoAP ingress/egress handler of spec
// §4.5: decode -> classify (ping/ACK/RST/response/request) -> correlate
// with the retransmit queue -> invoke the application/resource callback
// -> emit a reply. It ties together coapmsg, resource, retransmit,
// observe and transport.
package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotfleet/coaplink/coapmsg"
	"github.com/iotfleet/coaplink/content"
	"github.com/iotfleet/coaplink/observe"
	"github.com/iotfleet/coaplink/resource"
	"github.com/iotfleet/coaplink/retransmit"
	"github.com/iotfleet/coaplink/transport"
)

// Config bundles the engine's tunables. Zero values fall back to the
// retransmit package's RFC 7252 §4.8 defaults.
type Config struct {
	RetransmitCapacity   int
	AckTimeout           time.Duration
	AckRandomFactor      float64
	MaxRetransmit        int
	MaxTransmissionSpan  time.Duration
	ObserveNotifyDelta   uint32 // OBSERVE_NOTIFY_DELTA_MAX_AGE, default 2
	MaxRequestSize       uint32 // used for the auto-mode 4.13 Size1 reply
	AutoMode             bool   // enables tick-driven auto-observe + auto 4.13 replies
	Log                  logrus.FieldLogger
}

// ResponseCallback is invoked exactly once per client-originated exchange:
// on ACK (success), on RST (peer reset), or on retransmission exhaustion
// (timeout) — the §8 "At-most-one callback" property extended to the
// engine's public API.
type ResponseCallback func(resp *coapmsg.Message, err error)

// pendingExchange is the retransmit queue's Arg payload: enough context to
// turn a queue completion back into a ResponseCallback invocation.
type pendingExchange struct {
	cb ResponseCallback
}

// Engine is the process-wide CoAP handle of §9's "single engine handle
// owning these collections": the resource tree, retransmit queue and
// observer table, plus the transport mux that feeds it.
type Engine struct {
	cfg        Config
	mux        *transport.Mux
	tree       *resource.Tree
	retransmit *retransmit.Queue
	observers  *observe.Table
	clientObs  *observe.ClientTable
	log        logrus.FieldLogger

	mu       sync.Mutex // recursive-safe: never held across callbacks (§5, §9)
	nextID   uint32
	OnError  func(err error) // process-wide fallback for untracked failures (§7)
}

// New builds an Engine bound to mux and serving tree. Call mux.SetHandler
// afterwards is not necessary — New does it for you.
func New(mux *transport.Mux, tree *resource.Tree, cfg Config) *Engine {
	if cfg.ObserveNotifyDelta == 0 {
		cfg.ObserveNotifyDelta = observe.DefaultNotifyDelta
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	e := &Engine{
		cfg:        cfg,
		mux:        mux,
		tree:       tree,
		retransmit: retransmit.NewQueue(cfg.RetransmitCapacity, cfg.AckTimeout, cfg.AckRandomFactor, cfg.MaxRetransmit, cfg.MaxTransmissionSpan),
		observers:  observe.NewTable(),
		clientObs:  observe.NewClientTable(),
		log:        cfg.Log,
		nextID:     1,
	}
	mux.SetHandler(e.handleInbound)
	return e
}

// Tree returns the resource tree the engine dispatches requests against.
func (e *Engine) Tree() *resource.Tree { return e.tree }

// ClientObservations returns the client-side observation table, for
// applications acting as a CoAP client.
func (e *Engine) ClientObservations() *observe.ClientTable { return e.clientObs }

// nextMessageID returns the next 16-bit message id; the initial value is 1
// and wraps at 2^16 (§4.5).
func (e *Engine) nextMessageID() uint16 {
	e.mu.Lock()
	id := uint16(e.nextID)
	e.nextID++
	if e.nextID > 0xFFFF {
		e.nextID = 1
	}
	e.mu.Unlock()
	return id
}

// SendRequest encodes and transmits req as a client request. Confirmable
// requests are tracked in the retransmit queue so timeout/ACK/RST resolve
// through cb; non-confirmable requests are tracked too (so a single
// timeout still fires if nothing correlates), per §4.3.
func (e *Engine) SendRequest(localPort int, remote net.Addr, req coapmsg.Message, confirmable bool, cb ResponseCallback) (uint16, error) {
	req.ID = e.nextMessageID()
	if confirmable {
		req.Type = coapmsg.CON
	} else {
		req.Type = coapmsg.NON
	}
	buf, err := coapmsg.Encode(req)
	if err != nil {
		return 0, wrap(KindInvalidParameter, err)
	}
	if len(req.Token) > 0 {
		if _, ok := e.retransmit.ByToken(req.Token); ok {
			return 0, wrap(KindBusy, fmt.Errorf("token already in flight"))
		}
	}
	_, err = e.retransmit.Add(confirmable, req.ID, req.Token, remote, localPort, buf, &pendingExchange{cb: cb}, e.onQueueComplete)
	if err != nil {
		return 0, wrap(KindNoMemory, err)
	}
	if err := e.mux.Send(localPort, remote, buf); err != nil {
		e.retransmit.Abort(e.handleForToken(req.Token))
		return 0, wrap(KindConnectionFailed, err)
	}
	return req.ID, nil
}

func (e *Engine) handleForToken(token []byte) int {
	if entry, ok := e.retransmit.ByToken(token); ok {
		return entry.Handle
	}
	return -1
}

func (e *Engine) onQueueComplete(kind retransmit.CompletionKind, arg interface{}) {
	pe, ok := arg.(*pendingExchange)
	if !ok || pe.cb == nil {
		return
	}
	switch kind {
	case retransmit.CompletionACK:
		pe.cb(nil, nil) // empty ACK, no response carried; piggy-backed responses go through handleResponse
	case retransmit.CompletionPeerReset:
		pe.cb(nil, wrap(KindTransmissionResetByPeer, nil))
	case retransmit.CompletionTimeout:
		pe.cb(nil, wrap(KindTransmissionTimeout, nil))
	case retransmit.CompletionAbort:
		pe.cb(nil, wrap(KindConnectionClosed, fmt.Errorf("aborted")))
	}
}

// handleInbound implements the §4.5 classification order. It is installed
// as the transport mux's InboundFunc.
func (e *Engine) handleInbound(localPort int, remote net.Addr, result transport.Result, data []byte) {
	// Step 1: truncation.
	if result == transport.ResultTruncated {
		if e.cfg.AutoMode {
			e.replyTooLarge(localPort, remote, data)
		} else if e.OnError != nil {
			e.OnError(wrap(KindDataSize, fmt.Errorf("truncated datagram from %s", remote)))
		}
		return
	}
	if result != transport.ResultSuccess {
		return // non-material result codes are ignored per §6
	}

	m, err := coapmsg.Decode(data)
	if err != nil {
		// malformed messages are silently dropped at the ingress filter (§7)
		e.log.WithError(err).WithField("remote", remote).Debug("dropping malformed message")
		return
	}

	switch {
	case m.IsPing():
		e.replyReset(localPort, remote, m.ID)
	case m.Code == coapmsg.Empty && (m.Type == coapmsg.ACK || m.Type == coapmsg.RST):
		e.handleEmptyControl(m)
	case m.Code.IsResponse():
		e.handleResponse(localPort, remote, m)
	case m.Code.IsRequest():
		e.handleRequest(localPort, remote, m)
	default:
		e.log.WithField("code", m.Code).Debug("dropping message of unclassifiable code")
	}
}

func (e *Engine) replyReset(localPort int, remote net.Addr, id uint16) {
	buf, err := coapmsg.Encode(coapmsg.EmptyReset(id))
	if err != nil {
		return
	}
	_ = e.mux.Send(localPort, remote, buf)
}

func (e *Engine) replyTooLarge(localPort int, remote net.Addr, data []byte) {
	// best-effort: a truncated datagram may not even carry a parseable
	// message-id, but the transport's view of it is still enough to ACK.
	m, err := coapmsg.Decode(data)
	resp := coapmsg.Message{
		Type: coapmsg.ACK,
		Code: coapmsg.RequestEntityTooLarge,
		Options: coapmsg.Options{
			coapmsg.NewUintOption(coapmsg.OptionSize1, e.cfg.MaxRequestSize),
		},
	}
	if err == nil {
		resp.ID = m.ID
		resp.Token = m.Token
	}
	buf, err := coapmsg.Encode(resp)
	if err != nil {
		return
	}
	_ = e.mux.Send(localPort, remote, buf)
}

// handleEmptyControl correlates an ACK/RST-of-ping or a bare control
// message by message-id (§4.5 step 3).
func (e *Engine) handleEmptyControl(m coapmsg.Message) {
	entry, ok := e.retransmit.ByMessageID(m.ID)
	if !ok {
		return
	}
	if m.Type == coapmsg.ACK {
		e.retransmit.Resolve(entry.Handle, retransmit.CompletionACK)
	} else {
		e.retransmit.Resolve(entry.Handle, retransmit.CompletionPeerReset)
	}
}

// handleResponse implements §4.5 step 4: piggy-back ACK, token
// correlation, and the client-side observe path for uncorrelated tokens.
func (e *Engine) handleResponse(localPort int, remote net.Addr, m coapmsg.Message) {
	if m.Type == coapmsg.CON {
		ack, err := coapmsg.Encode(coapmsg.EmptyAck(m.ID))
		if err == nil {
			_ = e.mux.Send(localPort, remote, ack)
		}
	}

	entry, ok := e.retransmit.ByToken(m.Token)
	if ok {
		handle := entry.Handle
		pe, _ := entry.Arg.(*pendingExchange)
		e.retransmit.Remove(handle)
		if pe != nil && pe.cb != nil {
			pe.cb(&m, nil)
		}
	}

	e.maybeHandleClientObserve(m)
	// An uncorrelated response is dropped after the observe check (§4.5).
}

func (e *Engine) maybeHandleClientObserve(m coapmsg.Message) {
	obsOpt, ok := m.Options.Get(coapmsg.OptionObserve)
	if !ok {
		return
	}
	seq := obsOpt.Uint()
	maxAge := uint32(60)
	if ma, ok := m.Options.Get(coapmsg.OptionMaxAge); ok {
		maxAge = ma.Uint()
	}
	if o, ok := e.clientObs.ByToken(m.Token); ok {
		o.Refresh(seq, maxAge)
		return
	}
	o := e.clientObs.Register(m.Token, m.Options.PathSegments(), maxAge)
	o.Refresh(seq, maxAge)
}

// handleRequest implements §4.5 step 5: resolve against the resource
// tree, check the permission bit, and handle Observe registration.
func (e *Engine) handleRequest(localPort int, remote net.Addr, m coapmsg.Message) {
	node, err := e.tree.Lookup(m.Options.PathSegments())
	if err != nil {
		e.sendErrorResponse(localPort, remote, m, coapmsg.NotFound)
		return
	}
	perm := resource.MethodPermission(m.Code)
	if node.Permissions&perm == 0 {
		e.sendErrorResponse(localPort, remote, m, coapmsg.MethodNotAllowed)
		return
	}

	var isObserveRegister, isObserveDeregister bool
	if obsOpt, ok := m.Options.Get(coapmsg.OptionObserve); ok && m.Code == coapmsg.GET {
		switch obsOpt.Uint() {
		case 0:
			isObserveRegister = true
		case 1:
			isObserveDeregister = true
		}
	}

	var respContentFormat uint16
	if isObserveRegister {
		cf, ok := content.Negotiate(acceptedFormats(m), node.ContentFormatMask)
		if !ok {
			e.sendErrorResponse(localPort, remote, m, coapmsg.UnsupportedMediaType)
			return
		}
		respContentFormat = uint16(cf)
	}

	if node.Handler == nil {
		e.sendErrorResponse(localPort, remote, m, coapmsg.NotFound)
		return
	}
	code, cf, payload, err := node.Handler.ServeCoAP(&m, node)
	if err != nil {
		e.sendErrorResponse(localPort, remote, m, coapmsg.BadRequest)
		return
	}
	if respContentFormat != 0 {
		cf = respContentFormat
	}

	resp := coapmsg.Message{
		Code:  code,
		ID:    m.ID,
		Token: m.Token,
	}
	resp.Type = coapmsg.ACK
	if cf != 0 || len(payload) > 0 {
		resp.Options = resp.Options.Add(coapmsg.NewUintOption(coapmsg.OptionContentFormat, uint32(cf)))
	}
	resp.Payload = payload

	if isObserveRegister && node.Observable() {
		o := e.observers.Register(remote, m.Token, node, uint16(respContentFormat))
		resp.Options = resp.Options.Add(coapmsg.NewUintOption(coapmsg.OptionObserve, o.NextSequence()))
		resp.Options = resp.Options.Add(coapmsg.NewUintOption(coapmsg.OptionMaxAge, node.MaxAge))
	} else if isObserveDeregister {
		e.observers.Unregister(remote, m.Token)
	}

	buf, err := coapmsg.Encode(resp)
	if err != nil {
		return
	}
	_ = e.mux.Send(localPort, remote, buf)
}

func acceptedFormats(m coapmsg.Message) []content.Format {
	accepts := m.Options.GetAll(coapmsg.OptionAccept)
	if len(accepts) == 0 {
		return []content.Format{content.FormatTextPlain} // no Accept option: default to text/plain
	}
	out := make([]content.Format, len(accepts))
	for i, a := range accepts {
		out[i] = content.Format(a.Uint())
	}
	return out
}

func (e *Engine) sendErrorResponse(localPort int, remote net.Addr, req coapmsg.Message, code coapmsg.Code) {
	resp := coapmsg.Message{Type: coapmsg.ACK, Code: code, ID: req.ID, Token: req.Token}
	buf, err := coapmsg.Encode(resp)
	if err != nil {
		return
	}
	_ = e.mux.Send(localPort, remote, buf)
}

// NotifyObservers emits a notification to every observer of res, carrying
// payload in each observer's preferred content-format and the next
// sequence number (§4.4 "Notification emission"). confirmable selects
// CON (guaranteed delivery) or NON (rapid updates); a CON notification
// whose retransmission is exhausted or which is answered with RST causes
// the observer to be unregistered (handled via onNotifyComplete).
func (e *Engine) NotifyObservers(localPort int, res *resource.Node, payload []byte, confirmable bool) {
	for _, o := range e.observers.ForResource(res) {
		e.notifyOne(localPort, o, payload, confirmable)
	}
}

func (e *Engine) notifyOne(localPort int, o *observe.Observer, payload []byte, confirmable bool) {
	msg := coapmsg.Message{
		Code:  coapmsg.Content,
		ID:    e.nextMessageID(),
		Token: o.Token,
		Options: coapmsg.Options{
			coapmsg.NewUintOption(coapmsg.OptionContentFormat, uint32(o.ContentFormat)),
			coapmsg.NewUintOption(coapmsg.OptionObserve, o.NextSequence()),
		},
		Payload: payload,
	}
	if confirmable {
		msg.Type = coapmsg.CON
	} else {
		msg.Type = coapmsg.NON
	}
	buf, err := coapmsg.Encode(msg)
	if err != nil {
		return
	}
	if confirmable {
		_, _ = e.retransmit.Add(true, msg.ID, msg.Token, o.Remote, localPort, buf, o, e.onNotifyComplete)
	}
	_ = e.mux.Send(localPort, o.Remote, buf)
}

// onNotifyComplete unregisters the observer when its CON notification's
// retransmission is exhausted or is answered with RST (§4.4).
func (e *Engine) onNotifyComplete(kind retransmit.CompletionKind, arg interface{}) {
	o, ok := arg.(*observe.Observer)
	if !ok {
		return
	}
	switch kind {
	case retransmit.CompletionPeerReset, retransmit.CompletionTimeout:
		e.observers.UnregisterObserver(o)
	}
}

// Tick advances the engine by one tick of the given period (§4.8): it
// drives the retransmit queue's back-off timers, decrements and purges
// client-side observations whose max-age has run out (§4.4), and, in
// auto-mode, sweeps the resource tree for observable resources whose
// max-age is about to expire and notifies their observers.
func (e *Engine) Tick(localPort int, period time.Duration) {
	e.retransmit.Tick(period, func(remote net.Addr, lp int, buf []byte) error {
		return e.mux.Send(lp, remote, buf)
	})

	for _, o := range e.clientObs.Tick() {
		e.log.WithField("path", o.PathSegments).Debug("client-side observation expired (max-age exhausted)")
	}

	if !e.cfg.AutoMode {
		return
	}
	for _, node := range e.tree.AllObservable() {
		if node.TickExpire(e.cfg.ObserveNotifyDelta) {
			e.NotifyObservers(localPort, node, nil, false)
		}
	}
}
