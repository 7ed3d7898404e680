package remote

import (
	"context"
	"sync"
)

// Node represents one compute node offered by a broker. Constructed only
// by Location in response to a resource_offer command; callers obtain one
// via Location.RankedNodes or Location.BestNode.
type Node struct {
	location *Location
	pk       string
	conn     *Connection

	mu         sync.RWMutex
	stats      map[string]interface{}
	containers *TaggedCollection[*Container]
}

func newNode(location *Location, pk string, conn *Connection, stats map[string]interface{}) *Node {
	return &Node{
		location:   location,
		pk:         pk,
		conn:       conn,
		stats:      stats,
		containers: NewTaggedCollection[*Container](),
	}
}

// PK returns the node's public key, which doubles as its identity in
// broker commands.
func (n *Node) PK() string { return n.pk }

// Stats returns the most recently reported resource stats (cpu, memory)
// for this node.
func (n *Node) Stats() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

func (n *Node) updateStats(stats map[string]interface{}) {
	n.mu.Lock()
	n.stats = stats
	n.mu.Unlock()
}

// SpawnOptions configures Node.Spawn.
type SpawnOptions struct {
	Env           []string
	Sleep         bool
	PreBootFiles  map[string]string
	NoImageCheck  bool
	Tag           string
}

// Spawn asynchronously spawns a container on this node. The returned
// Container is a placeholder until the broker reports it running; call
// WaitUntilReady on it to block for that transition.
func (n *Node) Spawn(ctx context.Context, image string, opts SpawnOptions) (*Container, error) {
	if !opts.NoImageCheck {
		if err := n.location.EnsureImageUploaded(ctx, image); err != nil {
			return nil, err
		}
	}

	layerStack, descr, err := n.location.describeImage(ctx, image)
	if err != nil {
		return nil, err
	}
	if opts.Sleep {
		applySleepOverride(descr)
	}

	container := newContainer(n, image, opts.Env, opts.Tag)

	params := map[string]interface{}{
		"node":           n.pk,
		"layer_stack":    layerStack,
		"description":    descr,
		"env":            opts.Env,
		"pre_boot_files": opts.PreBootFiles,
	}
	id, err := n.conn.SendWithReply(NewMessage("spawn_container", params), func(msg *Message) {
		n.containerStatusUpdate(container, msg)
	})
	if err != nil {
		return nil, err
	}
	container.uuid = id

	if err := n.containers.Add(container); err != nil {
		n.conn.loop.UnregisterReply(id)
		return nil, err
	}
	return container, nil
}

// applySleepOverride replaces Entrypoint/Cmd with a long-running sleep so
// the container boots but runs no workload, pre-staging it for
// interactive commands.
func applySleepOverride(descr map[string]interface{}) {
	config, ok := descr["Config"].(map[string]interface{})
	if !ok {
		config = make(map[string]interface{})
		descr["Config"] = config
	}
	config["Entrypoint"] = nil
	config["Cmd"] = []string{"sleep", "inf"}
}

func (n *Node) containerStatusUpdate(c *Container, msg *Message) {
	status, _ := msg.StringParam("status")
	if status != "running" {
		if exc, ok := msg.Exception(); ok {
			c.MarkAsReadyWithError(protocolErrorf("%s", exc))
			return
		}
		return
	}
	if ip, err := msg.StringParam("ip"); err == nil {
		c.setIP(ip)
	}
	c.MarkAsReady()
}

// Containers returns every container spawned on this node that is still
// tracked client-side.
func (n *Node) Containers() []*Container {
	return n.containers.Values()
}
