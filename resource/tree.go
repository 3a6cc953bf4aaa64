// Package resource implements the hierarchical name->handler resource tree
// of spec §4.2 and §9's "Cyclic graph" design note: rather than the
// original's raw first-child/next-sibling/tail-of-children pointers, nodes
// live in a flat arena and link to each other by index, so no owning
// pointer ever leaves the arena.
package resource

import (
	"errors"
	"strings"

	"github.com/iotfleet/coaplink/coapmsg"
)

// Permission is a per-method bitmask on a resource node (§3 "Resource
// node"): one bit per method code plus an OBSERVE capability bit.
type Permission uint8

const (
	PermGet Permission = 1 << iota
	PermPost
	PermPut
	PermDelete
	PermObserve
)

// MethodPermission maps a request method code to its bitmask bit.
func MethodPermission(code coapmsg.Code) Permission {
	switch code {
	case coapmsg.GET:
		return PermGet
	case coapmsg.POST:
		return PermPost
	case coapmsg.PUT:
		return PermPut
	case coapmsg.DELETE:
		return PermDelete
	default:
		return 0
	}
}

// Handler services a request against the resource it is attached to.
type Handler interface {
	// ServeCoAP is invoked with the decoded request and the node it
	// matched; it returns a response code, content-format and payload,
	// or an error from the closed set used by the engine (§7).
	ServeCoAP(req *coapmsg.Message, node *Node) (code coapmsg.Code, contentFormat uint16, payload []byte, err error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(req *coapmsg.Message, node *Node) (coapmsg.Code, uint16, []byte, error)

// ServeCoAP implements Handler.
func (f HandlerFunc) ServeCoAP(req *coapmsg.Message, node *Node) (coapmsg.Code, uint16, []byte, error) {
	return f(req, node)
}

const noIndex = -1

// Node is one entry of the resource arena (§3 "Resource node"). firstChild,
// nextSibling and tailChild are arena indices (noIndex when absent) rather
// than pointers.
type Node struct {
	Name              string
	Permissions       Permission
	ContentFormatMask uint64 // bit i set => content-format i supported
	Handler           Handler
	MaxAge            uint32 // seconds; 0 disables TickExpire's auto-notify (observability is PermObserve)
	expireTime        uint32 // countdown ticks; reset to MaxAge on notify
	index             int    // this node's own arena slot
	firstChild        int
	nextSibling       int
	tailChild         int
	parent            int
}

// Observable reports whether the node accepts RFC 7641 registrations.
func (n *Node) Observable() bool { return n.Permissions&PermObserve != 0 }

// SupportsContentFormat reports whether cf is in the node's support mask.
func (n *Node) SupportsContentFormat(cf uint16) bool {
	if cf >= 64 {
		return false
	}
	return n.ContentFormatMask&(1<<cf) != 0
}

// ErrNoRoot is returned by operations that require a root before one has
// been created.
var ErrNoRoot = errors.New("resource: tree has no root")

// ErrNotFound is returned when a lookup finds no matching node.
var ErrNotFound = errors.New("resource: no such resource")

// Tree is the arena-backed resource tree. The first node created becomes
// the root (§4.2); its lifetime equals the engine's, matching §9's
// "ownership is by the containing structure, not the resource engine."
type Tree struct {
	nodes []Node
	root  int
}

// NewTree returns an empty tree. Call CreateRoot before adding children.
func NewTree() *Tree {
	return &Tree{root: noIndex}
}

// CreateRoot installs the root resource node. It must be called exactly
// once, before any AddChild call.
func (t *Tree) CreateRoot(name string, perms Permission) *Node {
	t.nodes = append(t.nodes, Node{
		Name: name, Permissions: perms, index: 0,
		firstChild: noIndex, nextSibling: noIndex, tailChild: noIndex, parent: noIndex,
	})
	t.root = 0
	return &t.nodes[0]
}

// Root returns the root node, or nil if CreateRoot has not been called.
func (t *Tree) Root() *Node {
	if t.root == noIndex {
		return nil
	}
	return &t.nodes[t.root]
}

// AddChild attaches a new child resource under parent and returns it. The
// child is appended to parent's singly-linked child list via tailChild so
// repeated AddChild calls are O(1) rather than O(children).
func (t *Tree) AddChild(parent *Node, name string, perms Permission) (*Node, error) {
	if t.root == noIndex {
		return nil, ErrNoRoot
	}
	parentIdx := parent.index
	childIdx := len(t.nodes)
	t.nodes = append(t.nodes, Node{
		Name: name, Permissions: perms, index: childIdx,
		firstChild: noIndex, nextSibling: noIndex, tailChild: noIndex, parent: parentIdx,
	})

	// re-fetch parent: append may have reallocated the backing array.
	p := &t.nodes[parentIdx]
	if p.firstChild == noIndex {
		p.firstChild = childIdx
		p.tailChild = childIdx
	} else {
		t.nodes[p.tailChild].nextSibling = childIdx
		p.tailChild = childIdx
	}
	return &t.nodes[childIdx], nil
}

// Children returns the direct children of n, in insertion order.
func (t *Tree) Children(n *Node) []*Node {
	var out []*Node
	for i := n.firstChild; i != noIndex; i = t.nodes[i].nextSibling {
		out = append(out, &t.nodes[i])
	}
	return out
}

// Parent returns n's parent, or nil for the root.
func (t *Tree) Parent(n *Node) *Node {
	if n.parent == noIndex {
		return nil
	}
	return &t.nodes[n.parent]
}

// Lookup walks Uri-Path segments left-to-right, descending child chains by
// exact string equality and stopping on the first non-match, per §4.2.
// It returns the deepest matching node.
func (t *Tree) Lookup(segments []string) (*Node, error) {
	if t.root == noIndex {
		return nil, ErrNoRoot
	}
	cur := &t.nodes[t.root]
	if len(segments) == 0 || (len(segments) == 1 && segments[0] == "") {
		return cur, nil
	}
	for _, seg := range segments {
		next := t.child(cur, seg)
		if next == nil {
			return nil, ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

func (t *Tree) child(n *Node, name string) *Node {
	for i := n.firstChild; i != noIndex; i = t.nodes[i].nextSibling {
		if t.nodes[i].Name == name {
			return &t.nodes[i]
		}
	}
	return nil
}

// AllObservable returns every node in the tree with Observable() set, used
// by the tick driver's auto-notify sweep (§4.4, §4.8).
func (t *Tree) AllObservable() []*Node {
	var out []*Node
	for i := range t.nodes {
		if t.nodes[i].Observable() {
			out = append(out, &t.nodes[i])
		}
	}
	return out
}

// TickExpire decrements n's expire-time countdown by one tick and reports
// whether a notification should fire now (within OBSERVE_NOTIFY_DELTA_MAX_AGE
// of expiry), resetting expireTime to MaxAge when it does, per §4.4's
// "Automatic tick-driven notification".
func (n *Node) TickExpire(notifyDelta uint32) bool {
	if n.MaxAge == 0 {
		return false
	}
	if n.expireTime == 0 {
		n.expireTime = n.MaxAge
	}
	if n.expireTime > 0 {
		n.expireTime--
	}
	if n.expireTime <= notifyDelta {
		n.expireTime = n.MaxAge
		return true
	}
	return false
}

// WellKnownCore performs a post-order traversal of the tree emitting the
// link-format body of /.well-known/core (§4.2): "</a/b/c>[;obs]," for
// each leaf, trimming the trailing comma. maxLen bounds the emitted size
// the way the original's process-wide scratch buffer did; exceeding it
// yields ErrDataSize without partial emission.
func (t *Tree) WellKnownCore(maxLen int) (string, error) {
	if t.root == noIndex {
		return "", ErrNoRoot
	}
	var b strings.Builder
	if err := t.emitCore(&b, &t.nodes[t.root], "", maxLen); err != nil {
		return "", err
	}
	out := b.String()
	return strings.TrimSuffix(out, ","), nil
}

// ErrDataSize is returned when the well-known/core body would overflow
// the caller-provided scratch buffer.
var ErrDataSize = errors.New("resource: well-known/core output exceeds buffer")

func (t *Tree) emitCore(b *strings.Builder, n *Node, prefix string, maxLen int) error {
	path := prefix
	if n.parent != noIndex {
		path = prefix + "/" + n.Name
	}
	children := t.Children(n)
	for _, c := range children {
		if err := t.emitCore(b, c, path, maxLen); err != nil {
			return err
		}
	}
	if len(children) == 0 && n.parent != noIndex {
		entry := "<" + path + ">"
		if n.Observable() {
			entry += ";obs"
		}
		entry += ","
		if b.Len()+len(entry) > maxLen {
			return ErrDataSize
		}
		b.WriteString(entry)
	}
	return nil
}
