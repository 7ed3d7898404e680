package remote

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// maxProxyReadSize caps how much is read from a local connection before
// forwarding it as one to_proxy frame.
const maxProxyReadSize = 131072

// tunnelResourceUser is the single TaggedCollection user-key every Tunnel
// a Location creates shares: tunnels are scoped per-session, not per-peer,
// so there is no per-node namespacing to preserve the way there is for
// Containers.
const tunnelResourceUser = "session"

// Tunnel is a TCP proxy from a local listener to a port on a container.
// It accepts local connections and forwards their bytes through the broker
// as "proxy" frames, each keyed by an opaque proxy token echoed by both
// ends. Do not construct directly; use Container.AttachTunnel,
// Location.TunnelOnto, or Location.BrowserOnto.
type Tunnel struct {
	Waitable

	uuid      string
	tag       string
	conn      *Connection
	loop      *EventLoop
	node      *Node
	container *Container
	port      int
	bind      string

	mu        sync.Mutex
	localPort int
	listener  net.Listener
	proxies   map[string]net.Conn
	destroyed bool
}

func newTunnel(conn *Connection, loop *EventLoop, node *Node, container *Container, port, localPort int, bind string) *Tunnel {
	return &Tunnel{
		Waitable:  newWaitable(),
		uuid:      newProxyToken(),
		conn:      conn,
		loop:      loop,
		node:      node,
		container: container,
		port:      port,
		localPort: localPort,
		bind:      bind,
		proxies:   make(map[string]net.Conn),
	}
}

// ResourceUser, ResourceUUID and ResourceTag implement Taggable so tunnels
// can be addressed through a Location's TaggedCollection. Tunnels are
// scoped per-session rather than per-peer (unlike Containers, which are
// scoped per-node), so ResourceUser returns the same constant
// Location.tunnelUser() does rather than the owning node's key.
func (t *Tunnel) ResourceUser() string { return tunnelResourceUser }
func (t *Tunnel) ResourceUUID() string { return t.uuid }
func (t *Tunnel) ResourceTag() string  { return t.tag }

// LocalPort returns the local TCP port this tunnel's listener is bound to,
// valid after Connect has returned successfully.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

// Connect opens the local listening socket and asks the broker to create
// the corresponding container-side endpoint. Connect is deferred until
// after the caller has filed this tunnel away (e.g. in Location.tunnels)
// to avoid a race between the broker's tunnel_up reply and the tunnel
// becoming discoverable.
func (t *Tunnel) Connect(ctx context.Context) error {
	addr := t.bind
	if addr == "" {
		addr = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, t.localPort))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = ln
	t.localPort = ln.Addr().(*net.TCPAddr).Port
	t.mu.Unlock()

	// Each accepted local connection gets its own reader goroutine; proxy
	// traffic never passes through the event loop on the way out.
	go t.acceptLoop()

	return t.conn.Send(NewMessage("create_tunnel", map[string]interface{}{
		"tunnel":    t.uuid,
		"node":      t.node.pk,
		"container": t.container.uuid,
		"port":      t.port,
	}))
}

// tunnelUp is the broker's acknowledgement that the container-side
// endpoint now exists.
func (t *Tunnel) tunnelUp(msg *Message) {
	t.MarkAsReady()
}

// Destroy tears the tunnel down: closes every active proxy connection, the
// local listener, and tells the broker to release its side. Idempotent.
func (t *Tunnel) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	for _, conn := range t.proxies {
		conn.Close()
	}
	t.proxies = make(map[string]net.Conn)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Unlock()

	return t.conn.Send(NewMessage("destroy_tunnel", map[string]interface{}{"tunnel": t.uuid}))
}

func (t *Tunnel) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		token := newProxyToken()
		t.mu.Lock()
		if t.destroyed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.proxies[token] = conn
		t.mu.Unlock()

		go t.pumpLocalConn(token, conn)
	}
}

// pumpLocalConn reads from one locally-accepted connection and forwards
// each chunk as a to_proxy frame, closing out the proxy on EOF/error.
func (t *Tunnel) pumpLocalConn(token string, conn net.Conn) {
	t.WaitUntilReady(DefaultReadyTimeout)
	buf := make([]byte, maxProxyReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msg := NewMessage("to_proxy", map[string]interface{}{"tunnel": t.uuid, "proxy": token})
			msg.Bulk = append([]byte(nil), buf[:n]...)
			if sendErr := t.conn.Send(msg); sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	t.closeProxyLocal(token)
	t.conn.Send(NewMessage("close_proxy", map[string]interface{}{"tunnel": t.uuid, "proxy": token}))
}

// FromProxy is dispatched by Location for this tunnel's from_proxy
// messages: a data delivery carrying a "proxy" token and the bytes to
// write to that local connection. close_proxy arrives as its own command
// and is routed straight to CloseProxy by Location, never through here.
func (t *Tunnel) FromProxy(msg *Message) {
	token, err := msg.StringParam("proxy")
	if err != nil {
		// a blank message with no proxy id just confirms server-side construction.
		return
	}

	t.mu.Lock()
	conn, ok := t.proxies[token]
	t.mu.Unlock()
	if !ok {
		return
	}
	conn.Write(msg.Bulk)
}

// CloseProxy closes one proxy connection by token, a no-op if it has
// already gone away.
func (t *Tunnel) CloseProxy(token string) {
	t.closeProxyLocal(token)
}

func (t *Tunnel) closeProxyLocal(token string) {
	t.mu.Lock()
	conn, ok := t.proxies[token]
	if ok {
		delete(t.proxies, token)
	}
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}
