package remote

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/nacl/box"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// fakeBroker is a minimal broker double: it reads the client's hello
// (raw public key), generates its own keypair, and echoes every sealed
// frame it receives back to the sender, rewriting the command to
// "echo" and carrying the original correlation-id so SendBlocking can
// observe a round trip.
type fakeBroker struct {
	server *httptest.Server
	keys   *KeyPair
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	keys, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	fb := &fakeBroker{keys: keys}
	fb.server = httptest.NewServer(http.HandlerFunc(fb.handle))
	return fb
}

func (fb *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, clientPub, err := conn.ReadMessage()
	if err != nil || len(clientPub) != 32 {
		return
	}
	var clientPublic [32]byte
	copy(clientPublic[:], clientPub)
	secret := fb.keys.Secret()

	for {
		_, sealed, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(sealed) < 24 {
			continue
		}
		var nonce [24]byte
		copy(nonce[:], sealed[:24])
		plain, ok := box.Open(nil, sealed[24:], &nonce, &clientPublic, &secret)
		if !ok {
			continue
		}
		msg, err := decodeMessage(plain)
		if err != nil {
			continue
		}
		reply := NewMessage("echo", map[string]interface{}{"original": msg.Command})
		reply.CorrelationID = msg.CorrelationID
		encoded, err := reply.encode()
		if err != nil {
			continue
		}
		var replyNonce [24]byte
		if _, err := rand.Read(replyNonce[:]); err != nil {
			continue
		}
		out := box.Seal(replyNonce[:], encoded, &replyNonce, &clientPublic, &secret)
		conn.WriteMessage(websocket.BinaryMessage, out)
	}
}

func (fb *fakeBroker) wsURL() string {
	u, _ := url.Parse(fb.server.URL)
	u.Scheme = "ws"
	u.Path = trunkPath
	return u.String()
}

func (fb *fakeBroker) close() {
	fb.server.Close()
}

func TestConnectionDialAndSendBlocking(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	keys, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	loop := NewEventLoop(NewLogger("error"))
	go loop.Run()
	defer loop.Stop(true)

	conn := NewConnection(NewLogger("error"), loop, keys, "test.broker.invalid")
	brokerPub := broker.keys.Public()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Dial(ctx, broker.wsURL(), &brokerPub); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WaitUntilReady(2 * time.Second); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if !conn.IsReady() {
		t.Fatalf("expected connection to be ready after successful dial")
	}

	reply, err := conn.SendBlocking(ctx, NewMessage("ping", map[string]interface{}{}), 3*time.Second)
	if err != nil {
		t.Fatalf("SendBlocking: %v", err)
	}
	if reply.Command != "echo" {
		t.Fatalf("unexpected reply command: %s", reply.Command)
	}
	if original, _ := reply.StringParam("original"); original != "ping" {
		t.Fatalf("unexpected echoed command: %s", original)
	}
}

func TestCloseWakesPendingSendBlocking(t *testing.T) {
	keys, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	loop := NewEventLoop(NewLogger("error"))
	conn := NewConnection(NewLogger("error"), loop, keys, "test.broker.invalid")

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendBlocking(context.Background(), NewMessage("fetch", map[string]interface{}{}), DefaultReadyTimeout)
		done <- err
	}()

	// give the sender a moment to queue the frame and block on the reply.
	time.Sleep(10 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected the pending blocking call to fail on Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not wake the pending blocking call")
	}
}

func TestCloseFailsPendingStreamingReplies(t *testing.T) {
	keys, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	loop := NewEventLoop(NewLogger("error"))
	conn := NewConnection(NewLogger("error"), loop, keys, "test.broker.invalid")

	failed := make(chan *Message, 1)
	if _, err := conn.SendWithReply(NewMessage("spawn_process", map[string]interface{}{}), func(msg *Message) {
		failed <- msg
	}); err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}

	conn.Close()

	select {
	case msg := <-failed:
		if _, ok := msg.Exception(); !ok {
			t.Fatalf("expected the shutdown reply to carry an exception, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not fail the registered streaming reply")
	}
}

func TestLookupBrokerPublicKeyMissingResolvConf(t *testing.T) {
	// Exercises the failure path without relying on real DNS infrastructure
	// being reachable in a test sandbox; the resolv.conf path is pinned to
	// a location guaranteed not to exist.
	ctx := context.Background()
	_, err := lookupBrokerPublicKeyFromFile(ctx, "nowhere.invalid", "/nonexistent/resolv.conf")
	if err == nil {
		t.Fatalf("expected a config error when resolv.conf cannot be read")
	}
	if !strings.Contains(err.Error(), "DNS") {
		t.Fatalf("expected a DNS-flavoured error, got: %v", err)
	}
}
