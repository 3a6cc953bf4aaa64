// Package transport implements the transport mux of spec §4.6: dispatch of
// send/recv to a non-secure datagram path or a DTLS-wrapped path per local
// port, with a per-peer session table. The DTLS handshake itself is the
// opaque library described in §6; this package owns only the bookkeeping
// (§9 "Global mutable state": one session table per engine).
package transport

import (
	"fmt"
	"net"
	"sync"

	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"
)

// Result distinguishes the inbound datagram outcomes of §6: the engine
// treats Success and Truncated as material and ignores the rest.
type Result int

const (
	ResultSuccess Result = iota
	ResultTruncated
	ResultBadChecksum
	ResultMalformed
)

// InboundFunc is the §6 datagram inbound boundary: function of
// (local-port, remote-addr, result-code, bytes).
type InboundFunc func(localPort int, remote net.Addr, result Result, data []byte)

// sessionKey indexes the §4.6 session table by (local-port, remote-address,
// remote-port).
type sessionKey struct {
	localPort int
	remote    string
}

// session is one entry of the per-peer session table. For a plain port,
// conn is nil and writes go straight to the port's shared socket; for a
// secure port, conn is the per-peer DTLS net.Conn returned by pion/dtls.
type session struct {
	remote net.Addr
	conn   net.Conn // non-nil only for secure sessions
}

type port struct {
	secure   bool
	sock     net.PacketConn // non-secure path
	ipv6pc   *ipv6.PacketConn
	listener net.Listener // secure path (pion/dtls server)
	dtlsCfg  *piondtls.Config
	stop     chan struct{}
}

// Mux is the transport mux: one binding per local port, one session table
// shared across all ports, guarded by a single mutex per §5/§9 ("The mux
// MUST lock its mutex around table manipulation and release it around
// calls into the DTLS library, which may reenter for output").
type Mux struct {
	mu       sync.Mutex
	ports    map[int]*port
	sessions map[sessionKey]*session
	onPacket InboundFunc
	log      logrus.FieldLogger
}

// NewMux returns an empty transport mux. log may be nil, in which case
// logrus's standard logger is used.
func NewMux(log logrus.FieldLogger) *Mux {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mux{
		ports:    make(map[int]*port),
		sessions: make(map[sessionKey]*session),
		log:      log,
	}
}

// SetHandler installs the callback invoked for every decoded inbound
// datagram or DTLS-decrypted application payload.
func (m *Mux) SetHandler(fn InboundFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPacket = fn
}

// ListenPlain binds a non-secure UDP/IPv6 local port: ingress bytes are
// passed directly to the engine (§4.6). Each local port gets its own
// socket, read through golang.org/x/net/ipv6's PacketConn with
// destination-address and interface control messages enabled; the
// control messages are not used for dispatch, which is by local port.
func (m *Mux) ListenPlain(localPort int) error {
	sock, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", localPort))
	if err != nil {
		return fmt.Errorf("transport: listen plain port %d: %w", localPort, err)
	}
	pc := ipv6.NewPacketConn(sock)
	_ = pc.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)

	p := &port{secure: false, sock: sock, ipv6pc: pc, stop: make(chan struct{})}
	m.mu.Lock()
	m.ports[localPort] = p
	m.mu.Unlock()

	go m.readPlainLoop(localPort, p)
	return nil
}

func (m *Mux) readPlainLoop(localPort int, p *port) {
	buf := make([]byte, 2048)
	for {
		n, _, remote, err := p.ipv6pc.ReadFrom(buf)
		select {
		case <-p.stop:
			return
		default:
		}
		if err != nil {
			return
		}
		result := ResultSuccess
		data := append([]byte(nil), buf[:n]...)
		if n == len(buf) {
			result = ResultTruncated
		}
		m.dispatch(localPort, remote, result, data)
	}
}

// dispatch records the session (implicit creation per §4.6: "session
// creation is implicit on the first datagram from an unknown client")
// and invokes the installed handler.
func (m *Mux) dispatch(localPort int, remote net.Addr, result Result, data []byte) {
	m.mu.Lock()
	key := sessionKey{localPort: localPort, remote: remote.String()}
	if _, ok := m.sessions[key]; !ok {
		m.sessions[key] = &session{remote: remote}
	}
	handler := m.onPacket
	m.mu.Unlock()

	if handler != nil {
		handler(localPort, remote, result, data)
	}
}

// ListenSecure binds a DTLS-wrapped local port: the mux feeds ciphertext
// into a DTLS session and the engine receives only decoded application
// data (§4.6). Session creation on the server side is implicit on the
// first datagram from an unknown client, handled here by pion/dtls's own
// Accept loop.
func (m *Mux) ListenSecure(localPort int, cfg *piondtls.Config) error {
	addr := &net.UDPAddr{Port: localPort}
	l, err := piondtls.Listen("udp", addr, cfg)
	if err != nil {
		return fmt.Errorf("transport: listen secure port %d: %w", localPort, err)
	}
	p := &port{secure: true, listener: l, dtlsCfg: cfg, stop: make(chan struct{})}
	m.mu.Lock()
	m.ports[localPort] = p
	m.mu.Unlock()

	go m.acceptLoop(localPort, p)
	return nil
}

func (m *Mux) acceptLoop(localPort int, p *port) {
	for {
		conn, err := p.listener.Accept()
		select {
		case <-p.stop:
			return
		default:
		}
		if err != nil {
			m.log.WithError(err).WithField("port", localPort).Warn("dtls accept failed")
			return
		}
		m.mu.Lock()
		key := sessionKey{localPort: localPort, remote: conn.RemoteAddr().String()}
		m.sessions[key] = &session{remote: conn.RemoteAddr(), conn: conn}
		m.mu.Unlock()
		go m.readSecureLoop(localPort, conn)
	}
}

func (m *Mux) readSecureLoop(localPort int, conn net.Conn) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			m.mu.Lock()
			delete(m.sessions, sessionKey{localPort: localPort, remote: conn.RemoteAddr().String()})
			m.mu.Unlock()
			return
		}
		data := append([]byte(nil), buf[:n]...)
		m.dispatch(localPort, conn.RemoteAddr(), ResultSuccess, data)
	}
}

// DialSecure establishes a client-initiated DTLS session to remote over
// localPort, per §4.6's "implicit on an explicit security_setup call for
// client-initiated sessions".
func (m *Mux) DialSecure(localPort int, remote *net.UDPAddr, cfg *piondtls.Config) error {
	conn, err := piondtls.Dial("udp", remote, cfg)
	if err != nil {
		return fmt.Errorf("transport: dial secure %s: %w", remote, err)
	}
	m.mu.Lock()
	m.ports[localPort] = &port{secure: true, dtlsCfg: cfg, stop: make(chan struct{})}
	m.sessions[sessionKey{localPort: localPort, remote: remote.String()}] = &session{remote: remote, conn: conn}
	m.mu.Unlock()
	go m.readSecureLoop(localPort, conn)
	return nil
}

// Send writes bytes to remote over localPort, through the session's
// encrypted-output path if the port is secure, or directly over the
// plain socket otherwise (§4.6 "A session's encrypted-output callback
// writes through the plain datagram path with the session's book-kept
// remote address").
func (m *Mux) Send(localPort int, remote net.Addr, data []byte) error {
	m.mu.Lock()
	p, ok := m.ports[localPort]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transport: unknown local port %d", localPort)
	}
	var sess *session
	if p.secure {
		sess = m.sessions[sessionKey{localPort: localPort, remote: remote.String()}]
	}
	m.mu.Unlock()

	if p.secure {
		if sess == nil || sess.conn == nil {
			return fmt.Errorf("transport: no DTLS session to %s on port %d", remote, localPort)
		}
		_, err := sess.conn.Write(data)
		return err
	}
	_, err := p.sock.WriteTo(data, remote)
	return err
}

// Close tears down every bound port and its sessions.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.ports {
		close(p.stop)
		if p.sock != nil {
			_ = p.sock.Close()
		}
		if p.listener != nil {
			_ = p.listener.Close()
		}
	}
	for _, s := range m.sessions {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	m.ports = make(map[int]*port)
	m.sessions = make(map[sessionKey]*session)
	return nil
}
