package remote

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
)

// Container represents a single running (or spawning) container. Do not
// construct directly; use Node.Spawn.
type Container struct {
	Waitable
	Killable

	node  *Node
	image string
	uuid  string
	env   []string
	tag   string

	mu               sync.Mutex
	ip               string
	processes        map[string]*Process
	allowedToConnect map[string]*Container
}

func newContainer(node *Node, image string, env []string, tag string) *Container {
	return &Container{
		Waitable:         newWaitable(),
		node:             node,
		image:            image,
		env:              env,
		tag:              tag,
		processes:        make(map[string]*Process),
		allowedToConnect: make(map[string]*Container),
	}
}

// ResourceUser, ResourceUUID and ResourceTag implement Taggable so
// containers can be addressed through a node's TaggedCollection.
func (c *Container) ResourceUser() string { return c.node.pk }
func (c *Container) ResourceUUID() string { return c.uuid }
func (c *Container) ResourceTag() string  { return c.tag }

// UUID returns the container's correlation/identity id.
func (c *Container) UUID() string { return c.uuid }

// Image returns the image this container was spawned from.
func (c *Container) Image() string { return c.image }

func (c *Container) setIP(ip string) {
	c.mu.Lock()
	c.ip = ip
	c.mu.Unlock()
}

// IP returns the container's internal ip address once the container is
// ready.
func (c *Container) IP() (string, error) {
	if err := c.EnsureAlive(); err != nil {
		return "", err
	}
	c.WaitUntilReady(ImageReadyTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ip, nil
}

// Destroy tears the container down. Idempotent: a second call is a no-op.
func (c *Container) Destroy() error {
	if c.BailIfDead() {
		return nil
	}
	c.WaitUntilReady(ImageReadyTimeout)
	c.MarkAsDead()

	c.mu.Lock()
	procs := make([]*Process, 0, len(c.processes))
	for _, p := range c.processes {
		procs = append(procs, p)
	}
	c.mu.Unlock()
	for _, p := range procs {
		p.internalDestroy(false)
	}

	return c.node.conn.Send(NewMessage("destroy_container", map[string]interface{}{
		"node":      c.node.pk,
		"container": c.uuid,
	}))
}

// AttachTunnel creates a TCP proxy between localhost and this container.
// localPort of 0 picks an unused local port.
func (c *Container) AttachTunnel(ctx context.Context, destPort, localPort int, bind string) (*Tunnel, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.node.location.TunnelOnto(ctx, c, destPort, localPort, bind)
}

// AttachBrowser attaches a tunnel and polls it for an HTTP 200, opening the
// system's default browser once the destination responds.
func (c *Container) AttachBrowser(ctx context.Context, destPort int, fqdn, path string) (*Tunnel, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.node.location.BrowserOnto(ctx, c, destPort, fqdn, path, true)
}

// WaitHTTP200 is AttachBrowser without opening a system browser.
func (c *Container) WaitHTTP200(ctx context.Context, destPort int, fqdn, path string) (*Tunnel, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	return c.node.location.BrowserOnto(ctx, c, destPort, fqdn, path, false)
}

// DestroyTunnel destroys a tunnel previously attached to this container.
func (c *Container) DestroyTunnel(tunnel *Tunnel) error {
	if err := c.EnsureAlive(); err != nil {
		return err
	}
	return c.node.location.DestroyTunnel(tunnel)
}

// AllowConnectionFrom permits another container to connect to this one
// over ipv4. A repeated call for the same container is a no-op.
func (c *Container) AllowConnectionFrom(ctx context.Context, other *Container) error {
	if err := c.EnsureAlive(); err != nil {
		return err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	c.mu.Lock()
	if other == c {
		c.mu.Unlock()
		return nil
	}
	if _, already := c.allowedToConnect[other.uuid]; already {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ip, err := other.IP()
	if err != nil {
		return err
	}
	if err := c.node.conn.Send(NewMessage("allow_connection", map[string]interface{}{
		"node": c.node.pk, "container": c.uuid, "ip": ip,
	})); err != nil {
		return err
	}

	c.mu.Lock()
	c.allowedToConnect[other.uuid] = other
	c.mu.Unlock()
	return nil
}

// DisallowConnectionFrom revokes a previously granted connection
// permission. A call for a container that isn't currently allowed is a
// no-op.
func (c *Container) DisallowConnectionFrom(other *Container) error {
	if err := c.EnsureAlive(); err != nil {
		return err
	}

	c.mu.Lock()
	if _, allowed := c.allowedToConnect[other.uuid]; !allowed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ip, err := other.IP()
	if err != nil {
		return err
	}
	if err := c.node.conn.Send(NewMessage("disallow_connection", map[string]interface{}{
		"node": c.node.pk, "container": c.uuid, "ip": ip,
	})); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.allowedToConnect, other.uuid)
	c.mu.Unlock()
	return nil
}

// AllAllowedConnections returns every container currently permitted to
// connect to this one.
func (c *Container) AllAllowedConnections() []*Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Container, 0, len(c.allowedToConnect))
	for _, other := range c.allowedToConnect {
		out = append(out, other)
	}
	return out
}

// SpawnProcess spawns a remote process within the container. dataCallback
// (may be nil) receives arriving stdout/stderr bytes; when nil, data
// accumulates in the Process and is returned from WaitUntilComplete.
// terminationCallback (may be nil) fires exactly once when the process
// ends.
func (c *Container) SpawnProcess(command []string, dataCallback func([]byte), terminationCallback func()) (*Process, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	params := map[string]interface{}{
		"node":      c.node.pk,
		"container": c.uuid,
		"command":   command,
	}
	return c.spawnProcess(params, dataCallback, terminationCallback)
}

// SpawnShell spawns an interactive shell within the container.
func (c *Container) SpawnShell(dataCallback func([]byte), terminationCallback func()) (*Process, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	params := map[string]interface{}{
		"node":      c.node.pk,
		"container": c.uuid,
	}
	return c.spawnProcess(params, dataCallback, terminationCallback)
}

func (c *Container) spawnProcess(params map[string]interface{}, dataCallback func([]byte), terminationCallback func()) (*Process, error) {
	var proc *Process
	id, err := c.node.conn.SendWithReply(NewMessage("spawn_process", params), func(msg *Message) {
		c.processCallback(msg)
	})
	if err != nil {
		return nil, err
	}
	proc = newProcess(c, id, dataCallback, terminationCallback)

	c.mu.Lock()
	c.processes[id] = proc
	c.mu.Unlock()
	return proc, nil
}

// DestroyProcess destroys a process previously spawned on this container.
func (c *Container) DestroyProcess(p *Process) error {
	if err := c.EnsureAlive(); err != nil {
		return err
	}
	c.mu.Lock()
	_, belongs := c.processes[p.uuid]
	c.mu.Unlock()
	if !belongs {
		return stateErrorf("process does not belong to this container")
	}
	p.internalDestroy(true)
	c.mu.Lock()
	delete(c.processes, p.uuid)
	c.mu.Unlock()
	return nil
}

// AllProcesses returns every process manually spawned on this container
// that hasn't since been destroyed.
func (c *Container) AllProcesses() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Process, 0, len(c.processes))
	for _, p := range c.processes {
		out = append(out, p)
	}
	return out
}

// validateContainerPath rejects paths that attempt to escape their
// intended root via "..", before a Fetch/Put frame is ever sent.
func validateContainerPath(filename string) error {
	if filename == "" {
		return stateErrorf("filename must not be empty")
	}
	cleaned := path.Clean(filename)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return stateErrorf("filename escapes its root: %s", filename)
	}
	return nil
}

// Fetch retrieves a single file's contents from the container.
func (c *Container) Fetch(ctx context.Context, filename string) ([]byte, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	if err := validateContainerPath(filename); err != nil {
		return nil, err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	reply, err := c.node.conn.SendBlocking(ctx, NewMessage("fetch", map[string]interface{}{
		"node": c.node.pk, "container": c.uuid, "filename": filename,
	}), DefaultReadyTimeout)
	if err != nil {
		return nil, err
	}
	return reply.Bulk, nil
}

// Put writes data into filename inside the container, creating
// intermediate paths on demand and overwriting any existing file.
func (c *Container) Put(ctx context.Context, filename string, data []byte) error {
	if err := c.EnsureAlive(); err != nil {
		return err
	}
	if err := validateContainerPath(filename); err != nil {
		return err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	msg := NewMessage("put", map[string]interface{}{
		"node": c.node.pk, "container": c.uuid, "filename": filename,
	})
	msg.Bulk = data
	_, err := c.node.conn.SendBlocking(ctx, msg, DefaultReadyTimeout)
	return err
}

// LogEntry is one line of a container's captured stdout/stderr.
type LogEntry struct {
	Log    string `json:"log"`
	Stream string `json:"stream"`
	Time   string `json:"time"`
}

// Logs fetches the container's captured stdout/stderr log.
func (c *Container) Logs(ctx context.Context) ([]LogEntry, error) {
	if err := c.EnsureAlive(); err != nil {
		return nil, err
	}
	c.WaitUntilReady(ImageReadyTimeout)

	reply, err := c.node.conn.SendBlocking(ctx, NewMessage("fetch_log", map[string]interface{}{
		"node": c.node.pk, "container": c.uuid,
	}), DefaultReadyTimeout)
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for _, line := range strings.Split(string(reply.Bulk), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, protocolErrorf("decoding log line: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// processCallback routes a message arriving on the spawn_process
// correlation-id to the right Process, or unhooks it on the terminal
// sentinel.
func (c *Container) processCallback(msg *Message) {
	if c.BailIfDead() {
		return
	}

	if msg.IsTerminalSentinel() {
		c.mu.Lock()
		proc, ok := c.processes[msg.CorrelationID]
		delete(c.processes, msg.CorrelationID)
		c.mu.Unlock()
		if ok {
			proc.internalDestroy(false)
		}
		return
	}

	c.mu.Lock()
	proc, ok := c.processes[msg.CorrelationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	proc.giveMeMessages(msg)
}
