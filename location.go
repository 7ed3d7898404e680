package remote

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Location is the root of a session with one broker: it owns the
// Connection, the discovered Node set, and every Tunnel attached during the
// session's lifetime.
type Location struct {
	Waitable

	log  Logger
	conn *Connection
	loop *EventLoop

	inspector ImageInspector

	mu              sync.Mutex
	nodes           map[string]*Node
	lastBestNodes   []*Node
	lastBestNodeIdx int
	tunnels         *TaggedCollection[*Tunnel]

	kicked   bool
	onKicked func()
}

// LocationOptions configures NewLocation. Zero value selects sensible
// defaults: a freshly generated keypair (not persisted), broker public key
// resolved via DNS, and the docker-backed ImageInspector.
type LocationOptions struct {
	ServerAddr      string
	KeyPair         *KeyPair
	BrokerPublicKey *[32]byte
	ImageInspector  ImageInspector
	Logger          Logger
	OnKicked        func()
}

// NewLocation dials fqdn, registers Location's broker-command table, and
// blocks until the broker's initial resource_offer marks the session
// ready. ctx bounds only the initial dial/readiness wait, not the
// session's lifetime.
func NewLocation(ctx context.Context, fqdn string, opts LocationOptions) (*Location, error) {
	log := opts.Logger
	if log == nil {
		log = NewLogger("info")
	}
	log = log.Fork("location")

	keys := opts.KeyPair
	if keys == nil {
		var err error
		keys, err = NewKeyPair()
		if err != nil {
			return nil, err
		}
	}

	inspector := opts.ImageInspector
	if inspector == nil {
		var err error
		inspector, err = NewDockerImageInspector()
		if err != nil {
			return nil, err
		}
	}

	loop := NewEventLoop(log)
	conn := NewConnection(log, loop, keys, fqdn)

	loc := &Location{
		Waitable:  newWaitable(),
		log:       log,
		conn:      conn,
		loop:      loop,
		inspector: inspector,
		nodes:     make(map[string]*Node),
		tunnels:   NewTaggedCollection[*Tunnel](),
		onKicked:  opts.OnKicked,
	}
	loc.registerCommands()

	go loop.Run()

	serverAddr := opts.ServerAddr
	if serverAddr == "" {
		serverAddr = fqdn
	}
	if err := conn.Dial(ctx, serverAddr, opts.BrokerPublicKey); err != nil {
		loop.Stop(true)
		return nil, err
	}

	select {
	case <-loc.Done():
	case <-ctx.Done():
		return loc, ctx.Err()
	}
	return loc, nil
}

// NewLocationFromDefaults constructs a Location using the on-disk default
// broker (~/.remote-sdk/default_location) and that broker's keypair,
// generating and persisting a fresh keypair on first use. A missing
// default_location is a ConfigError raised before any transport is
// opened.
func NewLocationFromDefaults(ctx context.Context, log Logger) (*Location, error) {
	fqdn, err := readDefaultLocation()
	if err != nil {
		return nil, err
	}

	keys, err := LoadKeyPair(fqdn)
	if _, missing := err.(*ConfigError); missing {
		keys, err = NewKeyPair()
		if err != nil {
			return nil, err
		}
		if err := keys.Save(fqdn); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return NewLocation(ctx, fqdn, LocationOptions{KeyPair: keys, Logger: log})
}

func (loc *Location) registerCommands() {
	loc.loop.RegisterCommand("resource_offer", nil, false, loc.resourceOffer)
	loc.loop.RegisterCommand("tunnel_up", nil, false, loc.tunnelUp)
	loc.loop.RegisterCommand("from_proxy", []string{"proxy"}, false, loc.fromProxy)
	loc.loop.RegisterCommand("close_proxy", []string{"proxy"}, false, loc.closeProxy)
	loc.loop.RegisterCommand("log", []string{"error", "log"}, false, loc.logMessage)
	loc.loop.RegisterCommand("kicked", nil, false, loc.kickedHandler)
}

func (loc *Location) resourceOffer(msg *Message) {
	nodesParam, ok := msg.Params["nodes"]
	if !ok {
		loc.MarkAsReady()
		return
	}
	entries, ok := nodesParam.([]interface{})
	if !ok || len(entries) == 0 {
		loc.log.Warnf("resource offer did not include any nodes, cannot run code at this location")
		loc.MarkAsReady()
		return
	}

	loc.mu.Lock()
	for _, entry := range entries {
		kv, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for pk, statsRaw := range kv {
			stats, _ := statsRaw.(map[string]interface{})
			loc.nodes[pk] = newNode(loc, pk, loc.conn, stats)
		}
	}
	loc.lastBestNodes = nil
	loc.mu.Unlock()

	loc.MarkAsReady()
}

func (loc *Location) tunnelUp(msg *Message) {
	tunnel, err := loc.tunnels.Get(loc.tunnelUser(), msg.CorrelationID)
	if err != nil {
		loc.log.Warnf("tunnel_up for unknown tunnel %s", msg.CorrelationID)
		return
	}
	tunnel.tunnelUp(msg)
}

func (loc *Location) fromProxy(msg *Message) {
	tunnel, err := loc.tunnels.Get(loc.tunnelUser(), msg.CorrelationID)
	if err != nil {
		loc.log.Warnf("from_proxy for unknown tunnel %s", msg.CorrelationID)
		return
	}
	tunnel.FromProxy(msg)
}

func (loc *Location) closeProxy(msg *Message) {
	tunnel, err := loc.tunnels.Get(loc.tunnelUser(), msg.CorrelationID)
	if err != nil {
		return
	}
	token, _ := msg.StringParam("proxy")
	tunnel.CloseProxy(token)
}

func (loc *Location) logMessage(msg *Message) {
	isErr, _ := msg.Params["error"].(bool)
	text, _ := msg.Params["log"].(string)
	if isErr {
		loc.log.Errorf("%s", text)
	} else {
		loc.log.Infof("%s", text)
	}
}

func (loc *Location) kickedHandler(msg *Message) {
	loc.mu.Lock()
	loc.kicked = true
	loc.mu.Unlock()
	loc.log.Warnf("session replaced by another connection from the same identity, terminating")
	if loc.onKicked != nil {
		loc.onKicked()
	}
	loc.conn.Close()
}

// IsKicked reports whether the broker replaced this session with another
// connection from the same identity.
func (loc *Location) IsKicked() bool {
	loc.mu.Lock()
	defer loc.mu.Unlock()
	return loc.kicked
}

// tunnelUser is the namespace every Tunnel this Location creates shares in
// the tunnels TaggedCollection; tunnels are scoped per-session, not
// per-peer, so a single constant stands in for Taggable's user axis.
func (loc *Location) tunnelUser() string { return tunnelResourceUser }

// RankedNodes returns the known nodes ordered by the chosen stat
// (descending), recomputed from the most recently reported stats each
// call. biasMemory ranks by memory availability instead of cpu.
func (loc *Location) RankedNodes(biasMemory bool) []*Node {
	loc.WaitUntilReady(DefaultReadyTimeout)

	loc.mu.Lock()
	defer loc.mu.Unlock()

	nodes := make([]*Node, 0, len(loc.nodes))
	for _, n := range loc.nodes {
		nodes = append(nodes, n)
	}
	key := "cpu"
	if biasMemory {
		key = "memory"
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return statFloat(nodes[i].Stats(), key) > statFloat(nodes[j].Stats(), key)
	})
	loc.lastBestNodes = nodes
	loc.lastBestNodeIdx = 0
	return nodes
}

func statFloat(stats map[string]interface{}, key string) float64 {
	switch v := stats[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// BestNode round-robins through the last ranked node list (computing one
// via RankedNodes(false) if none exists yet), so repeated calls spread new
// containers across the location's nodes.
func (loc *Location) BestNode() (*Node, error) {
	loc.WaitUntilReady(DefaultReadyTimeout)

	loc.mu.Lock()
	if loc.lastBestNodes == nil {
		loc.mu.Unlock()
		loc.RankedNodes(false)
		loc.mu.Lock()
	}
	defer loc.mu.Unlock()

	if len(loc.lastBestNodes) == 0 {
		return nil, stateErrorf("cannot choose best node when there are no nodes in this location")
	}

	chosen := loc.lastBestNodes[loc.lastBestNodeIdx]
	loc.lastBestNodeIdx++
	if loc.lastBestNodeIdx >= len(loc.lastBestNodes) {
		loc.lastBestNodeIdx = 0
	}
	return chosen, nil
}

// findUnusedLocalPort picks a random port in 1025-8192 that nothing is
// currently listening on.
func findUnusedLocalPort() (int, error) {
	for attempt := 0; attempt < 256; attempt++ {
		port := 1025 + rand.Intn(8192-1025)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, stateErrorf("could not find an unused local port")
}

// TunnelOnto proxies a local TCP listener onto port on container's node.
// localPort of 0 picks an unused port in 1025-8192. The tunnel is filed
// into the Tunnel set before Connect is called, so a tunnel_up arriving
// concurrently always finds its Tunnel already registered.
func (loc *Location) TunnelOnto(ctx context.Context, container *Container, port, localPort int, bind string) (*Tunnel, error) {
	loc.WaitUntilReady(DefaultReadyTimeout)
	if err := container.EnsureAlive(); err != nil {
		return nil, err
	}
	container.WaitUntilReady(ImageReadyTimeout)

	if localPort == 0 {
		p, err := findUnusedLocalPort()
		if err != nil {
			return nil, err
		}
		localPort = p
	}

	tunnel := newTunnel(loc.conn, loc.loop, container.node, container, port, localPort, bind)
	if err := loc.tunnels.Add(tunnel); err != nil {
		return nil, err
	}
	if err := tunnel.Connect(ctx); err != nil {
		loc.tunnels.Remove(tunnel)
		return nil, err
	}
	return tunnel, nil
}

// BrowserOnto attaches a tunnel onto destPort, polls http://fqdn:localport/path
// until it answers 200, and (if actualBrowser) opens the system browser on
// it. fqdn must resolve to 127.0.0.1.
func (loc *Location) BrowserOnto(ctx context.Context, container *Container, destPort int, fqdn, path string, actualBrowser bool) (*Tunnel, error) {
	addrs, err := net.LookupHost(fqdn)
	if err != nil || len(addrs) == 0 {
		return nil, stateErrorf("fqdn %q does not resolve", fqdn)
	}
	if addrs[0] != "127.0.0.1" {
		return nil, stateErrorf("fqdn %q does not resolve to localhost", fqdn)
	}

	tunnel, err := loc.TunnelOnto(ctx, container, destPort, 0, "")
	if err != nil {
		return nil, err
	}
	tunnel.WaitUntilReady(DefaultReadyTimeout)

	url := fmt.Sprintf("http://%s:%d/%s", fqdn, tunnel.LocalPort(), path)

	client := &http.Client{Timeout: 2 * time.Second}
	for attempt := 60; attempt > 0; attempt-- {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				loc.log.Infof("connected onto: %s", url)
				if actualBrowser {
					openBrowser(url)
				}
				return tunnel, nil
			}
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, stateErrorf("could not connect to: %s", url)
}

// WaitHTTP200 is BrowserOnto without opening a system browser.
func (loc *Location) WaitHTTP200(ctx context.Context, container *Container, destPort int, fqdn, path string) (*Tunnel, error) {
	return loc.BrowserOnto(ctx, container, destPort, fqdn, path, false)
}

// DestroyTunnel tears a tunnel down and removes it from the session's
// Tunnel set.
func (loc *Location) DestroyTunnel(tunnel *Tunnel) error {
	if err := tunnel.Destroy(); err != nil {
		return err
	}
	loc.tunnels.Remove(tunnel)
	return nil
}

// EnsureImageUploaded sends any docker layers the broker does not already
// have for image.
func (loc *Location) EnsureImageUploaded(ctx context.Context, image string) error {
	loc.WaitUntilReady(DefaultReadyTimeout)
	uploader := newLayerUploader(loc.log, loc.conn, loc.inspector)
	return uploader.EnsureUploaded(ctx, image)
}

// describeImage extracts the layer stack (consecutive duplicates collapsed)
// and boot description for image. It does not pull: an image the local
// runtime does not have is returned as the runtime's error.
func (loc *Location) describeImage(ctx context.Context, image string) ([]string, map[string]interface{}, error) {
	descr, err := loc.inspector.Describe(ctx, image)
	if err != nil {
		return nil, nil, err
	}
	layers, err := layerStack(descr)
	if err != nil {
		return nil, nil, err
	}
	return layers, descr, nil
}

// Close tears down the trunk connection and stops the event loop.
func (loc *Location) Close() {
	loc.conn.Close()
	loc.loop.Stop(true)
}
