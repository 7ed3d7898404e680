package remote

import (
	"bytes"
	"context"
	"sync"
)

// Process encapsulates a remote process running inside a container. Do not
// construct directly; use Container.SpawnProcess or Container.SpawnShell.
type Process struct {
	Killable

	container            *Container
	uuid                 string
	dataCallback         func([]byte)
	terminationCallback  func()

	mu            sync.Mutex
	buffer        bytes.Buffer
	dropNextReply bool

	completed     chan struct{}
	completedOnce sync.Once

	replyMu       sync.Mutex
	replyCh       chan []byte
	awaitingReply bool
}

func newProcess(container *Container, uuid string, dataCallback func([]byte), terminationCallback func()) *Process {
	return &Process{
		container:           container,
		uuid:                uuid,
		dataCallback:        dataCallback,
		terminationCallback: terminationCallback,
		completed:           make(chan struct{}),
	}
}

// UUID returns the process's correlation id, the same id used to identify
// its originating spawn_process command.
func (p *Process) UUID() string { return p.uuid }

func (p *Process) internalDestroy(withCommand bool) {
	if p.BailIfDead() {
		return
	}
	p.MarkAsDead()

	if withCommand {
		p.container.node.conn.Send(NewMessage("destroy_process", map[string]interface{}{
			"node":      p.container.node.pk,
			"container": p.container.uuid,
			"process":   p.uuid,
		}))
	}
	p.replyMu.Lock()
	if p.awaitingReply {
		close(p.replyCh)
		p.awaitingReply = false
	}
	p.replyMu.Unlock()
	if p.terminationCallback != nil {
		p.terminationCallback()
	}
	p.completedOnce.Do(func() { close(p.completed) })
}

// Stdin injects data into the process's stdin. With returnReply, it
// blocks for the next message addressed to this process and returns its
// bytes; dropEcho discards the very next reply first (many remote shells
// echo the input back before the real response arrives).
func (p *Process) Stdin(ctx context.Context, data []byte, returnReply, dropEcho bool) ([]byte, error) {
	if err := p.EnsureAlive(); err != nil {
		return nil, err
	}

	msg := NewMessage("stdin_process", map[string]interface{}{
		"node":      p.container.node.pk,
		"container": p.container.uuid,
		"process":   p.uuid,
	})
	msg.Bulk = data
	if err := p.container.node.conn.Send(msg); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.dropNextReply = dropEcho
	p.mu.Unlock()

	if !returnReply {
		return nil, nil
	}

	replyCh := make(chan []byte, 1)
	p.replyMu.Lock()
	p.awaitingReply = true
	p.replyCh = replyCh
	p.replyMu.Unlock()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitUntilComplete blocks until the process terminates, returning at once
// if it already has. If constructed with a nil dataCallback, returns all
// data collected over the process's lifetime.
func (p *Process) WaitUntilComplete(ctx context.Context) ([]byte, error) {
	select {
	case <-p.completed:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.buffer.Bytes(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// giveMeMessages routes one message addressed to this process: an empty
// bulk signals server-side termination; otherwise it is either an echo to
// discard, or output that is handed to a blocked Stdin call (if one is
// waiting) and also passed to the data callback or the buffer.
func (p *Process) giveMeMessages(msg *Message) {
	if p.BailIfDead() {
		return
	}

	if len(msg.Bulk) == 0 {
		p.internalDestroy(false)
		return
	}

	p.mu.Lock()
	drop := p.dropNextReply
	p.dropNextReply = false
	p.mu.Unlock()
	if drop {
		return
	}

	p.replyMu.Lock()
	if p.awaitingReply {
		p.replyCh <- msg.Bulk
		p.awaitingReply = false
	}
	p.replyMu.Unlock()

	if p.dataCallback != nil {
		p.dataCallback(msg.Bulk)
		return
	}
	p.mu.Lock()
	p.buffer.Write(msg.Bulk)
	p.mu.Unlock()
}
