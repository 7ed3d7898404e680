package remote

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/miekg/dns"
	"golang.org/x/crypto/nacl/box"
)

// DefaultMaxRetryInterval caps the reconnect backoff delay.
const DefaultMaxRetryInterval = 5 * time.Minute

// trunkPath is the HTTP path the broker's websocket endpoint is served on.
const trunkPath = "/trunk"

// Connection owns the authenticated duplex transport to a broker: dialing,
// reconnecting with backoff, encrypting/decrypting frames with a curve25519
// keypair, and feeding decoded Messages to an EventLoop. The broker's
// public key comes from a DNS TXT record on its fqdn unless supplied
// explicitly.
type Connection struct {
	Waitable
	Killable

	log      Logger
	loop     *EventLoop
	keys     *KeyPair
	location string

	brokerPublic [32]byte

	maxRetryInterval time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	fatalErr error

	writeCh chan []byte
	stopCh  chan struct{}
	stopped sync.Once
}

// NewConnection constructs a Connection bound to loop; call Dial to open
// the transport. keys authenticates this client to the broker.
func NewConnection(log Logger, loop *EventLoop, keys *KeyPair, location string) *Connection {
	return &Connection{
		Waitable:         newWaitable(),
		log:              log.Fork("connection"),
		loop:             loop,
		keys:             keys,
		location:         location,
		maxRetryInterval: DefaultMaxRetryInterval,
		writeCh:          make(chan []byte, 256),
		stopCh:           make(chan struct{}),
	}
}

// lookupBrokerPublicKey resolves a broker's curve25519 public key from its
// DNS TXT record: base64 of the 32 raw public bytes.
func lookupBrokerPublicKey(ctx context.Context, location string) ([32]byte, error) {
	return lookupBrokerPublicKeyFromFile(ctx, location, "/etc/resolv.conf")
}

// lookupBrokerPublicKeyFromFile is lookupBrokerPublicKey with an injectable
// resolv.conf path, so the failure path (no usable resolver configuration)
// can be exercised without depending on the test sandbox's real DNS setup.
func lookupBrokerPublicKeyFromFile(ctx context.Context, location, resolvConfPath string) ([32]byte, error) {
	var key [32]byte

	client := new(dns.Client)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(location), dns.TypeTXT)

	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil || len(conf.Servers) == 0 {
		return key, configErrorf("no DNS record - is the location valid?: %s", location)
	}

	resp, _, err := client.ExchangeContext(ctx, msg, conf.Servers[0]+":"+conf.Port)
	if err != nil {
		return key, configErrorf("no DNS record - is the location valid?: %s: %v", location, err)
	}
	for _, ans := range resp.Answer {
		txt, ok := ans.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(txt.Txt[0])
		if err != nil || len(decoded) != 32 {
			return key, configErrorf("the DNS TXT record for %s is broken", location)
		}
		copy(key[:], decoded)
		return key, nil
	}
	return key, configErrorf("no DNS record - is the location valid?: %s", location)
}

// Dial resolves the broker's public key (unless brokerPublicKeyOverride is
// supplied, for testing against a local broker), opens the websocket trunk,
// and starts the reconnect-on-drop loop. It returns once the first
// connection attempt either succeeds or exhausts; subsequent drops are
// retried in the background.
func (c *Connection) Dial(ctx context.Context, serverAddr string, brokerPublicKeyOverride *[32]byte) error {
	if brokerPublicKeyOverride != nil {
		c.brokerPublic = *brokerPublicKeyOverride
	} else {
		key, err := lookupBrokerPublicKey(ctx, c.location)
		if err != nil {
			return err
		}
		c.brokerPublic = key
	}

	firstAttempt := make(chan error, 1)
	go c.connectionLoop(ctx, serverAddr, firstAttempt)

	select {
	case err := <-firstAttempt:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) connectionLoop(ctx context.Context, serverAddr string, firstAttempt chan<- error) {
	b := &backoff.Backoff{Max: c.maxRetryInterval}
	reportedFirst := false

	for {
		select {
		case <-ctx.Done():
			c.MarkAsReadyWithError(ctx.Err())
			return
		case <-c.stopCh:
			return
		default:
		}

		wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, trunkURL(serverAddr), nil)
		if err != nil {
			if !reportedFirst {
				reportedFirst = true
				firstAttempt <- nil // first attempt's failure is retried in the background, not fatal
			}
			d := b.Duration()
			c.log.Warnf("connection error: %v, retrying in %s", err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			continue
		}
		b.Reset()

		if err := c.sendHello(wsConn); err != nil {
			wsConn.Close()
			if !reportedFirst {
				reportedFirst = true
				firstAttempt <- err
				return
			}
			d := b.Duration()
			c.log.Warnf("hello error: %v, retrying in %s", err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = wsConn
		c.mu.Unlock()

		if !c.IsReady() {
			c.MarkAsReady()
		}
		if !reportedFirst {
			reportedFirst = true
			firstAttempt <- nil
		}

		generationStop := make(chan struct{})
		go c.writerLoop(wsConn, generationStop)
		c.readerLoop(wsConn)
		close(generationStop)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		// Reconnect-with-backoff is only attempted before the Location
		// has ever reached ready; IsReady latches permanently once set,
		// so its value here tells us whether this trunk was ready at any
		// point before dropping. A drop after readiness is session-fatal,
		// not retried.
		if c.IsReady() {
			c.setFatalErr(stateErrorf("trunk connection lost after the session reached ready; reconnects are only attempted before initial readiness"))
			return
		}
	}
}

func (c *Connection) setFatalErr(err error) {
	c.mu.Lock()
	c.fatalErr = err
	c.mu.Unlock()
	c.MarkAsDead()
	c.Close()
}

// FatalErr returns the session-ending error recorded when a post-ready
// trunk drop occurred, or nil if the connection hasn't failed fatally.
func (c *Connection) FatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// trunkURL turns a bare host into the broker's secure websocket endpoint.
// An address that already carries a scheme is used as-is, which is how a
// plaintext ws:// broker (e.g. one behind a terminating proxy) is reached.
func trunkURL(serverAddr string) string {
	if strings.Contains(serverAddr, "://") {
		return serverAddr
	}
	u := url.URL{Scheme: "wss", Host: serverAddr, Path: trunkPath}
	return u.String()
}

// sendHello identifies this client to the broker: the raw public key is
// the first frame on a fresh trunk, before any sealed traffic.
func (c *Connection) sendHello(wsConn *websocket.Conn) error {
	pub := c.keys.Public()
	if err := wsConn.WriteMessage(websocket.BinaryMessage, pub[:]); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	return nil
}

func (c *Connection) writerLoop(wsConn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case frame := <-c.writeCh:
			sealed, err := c.seal(frame)
			if err != nil {
				c.log.Errorf("sealing outbound frame: %v", err)
				continue
			}
			if err := wsConn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
				c.log.Warnf("write error, dropping frame: %v", err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Connection) readerLoop(wsConn *websocket.Conn) {
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			c.log.Warnf("trunk read error: %v", err)
			return
		}
		opened, err := c.open(data)
		if err != nil {
			c.log.Errorf("opening inbound frame: %v", err)
			continue
		}
		msg, err := decodeMessage(opened)
		if err != nil {
			c.log.Errorf("decoding inbound frame: %v", err)
			continue
		}
		c.loop.Dispatch(msg)
	}
}

// seal encrypts an outbound frame to the broker's public key with a fresh
// nonce, prepended to the ciphertext.
func (c *Connection) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	secret := c.keys.Secret()
	sealed := box.Seal(nonce[:], plain, &nonce, &c.brokerPublic, &secret)
	return sealed, nil
}

// open decrypts an inbound frame sealed by the broker to our public key.
func (c *Connection) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, protocolErrorf("frame too short to contain a nonce")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	secret := c.keys.Secret()
	opened, ok := box.Open(nil, sealed[24:], &nonce, &c.brokerPublic, &secret)
	if !ok {
		return nil, protocolErrorf("failed to authenticate inbound frame")
	}
	return opened, nil
}

// Send enqueues a fire-and-forget message for delivery. Safe to call from
// any goroutine, including the event loop's own handlers; the actual
// websocket write happens on the writer goroutine so a slow write never
// blocks a command handler.
func (c *Connection) Send(msg *Message) error {
	frame, err := msg.encode()
	if err != nil {
		return err
	}
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.stopCh:
		return stateErrorf("connection is closed")
	}
}

// SendWithReply sends msg after registering callback against a freshly
// minted correlation-id. The returned id can be used to unregister the
// reply later if needed.
func (c *Connection) SendWithReply(msg *Message, callback func(*Message)) (string, error) {
	id := newCorrelationID()
	msg.CorrelationID = id
	c.loop.RegisterReply(id, callback)
	if err := c.Send(msg); err != nil {
		c.loop.UnregisterReply(id)
		return "", err
	}
	return id, nil
}

// SendBlocking sends msg and blocks until a reply arrives, ctx is
// cancelled, or timeout elapses. It must not be called from a handler
// running on the event loop's own goroutine: that would deadlock waiting
// for a reply the same goroutine is responsible for delivering. Enforced
// by caller discipline rather than a runtime check, since Go has no
// supported way to identify the calling goroutine.
func (c *Connection) SendBlocking(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	replies := make(chan *Message, 1)
	id, err := c.SendWithReply(msg, func(reply *Message) {
		// one reply wins; a shutdown notice racing the real reply is dropped.
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer c.loop.UnregisterReply(id)

	select {
	case reply := <-replies:
		if exc, ok := reply.Exception(); ok {
			return reply, protocolErrorf("%s", exc)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, stateErrorf("connection closed while waiting for a reply to %q", msg.Command)
	case <-time.After(timeout):
		return nil, protocolErrorf("timed out waiting for a reply to %q", msg.Command)
	}
}

// Close stops the reconnect loop and any in-flight reader/writer
// goroutines, and fails every outstanding reply so no blocking or
// streaming sender is left waiting out its timeout. Idempotent.
func (c *Connection) Close() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		c.loop.FailPendingReplies("connection closed")
	})
}

// Location returns the fqdn this connection was dialed against.
func (c *Connection) Location() string {
	return c.location
}
