package remote

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pollInterval is how often the loop checks the retry set when no event is
// pending; stallWarnTime is the threshold past which a tick-to-tick delay
// is logged as a stall.
const (
	pollInterval  = 500 * time.Millisecond
	stallWarnTime = 100 * time.Millisecond
)

// CommandHandler processes a command message dispatched by the event loop.
type CommandHandler func(msg *Message)

type commandSpec struct {
	handler        CommandHandler
	requiredParams []string
	requiresReply  bool
}

// loopEvent is the fan-in unit consumed by the single loop goroutine. A
// websocket reader goroutine pushes loopEvents onto EventLoop.events; only
// the loop goroutine ever reads that channel, which is what lets every
// handler touch shared state without its own locking.
type loopEvent struct {
	msg *Message
}

// EventLoop is the single-goroutine reactor that multiplexes replies to
// blocking/streaming commands and broker-initiated commands across one
// trunk connection. Reply callbacks are checked before command dispatch so
// a streaming reply never looks like an unsolicited command. Tunnel proxy
// I/O bypasses this registry entirely; each locally-accepted connection
// runs its own reader goroutine.
type EventLoop struct {
	log Logger

	mu              sync.Mutex
	commandHandlers map[string]commandSpec
	replyCallbacks  map[string]func(*Message)
	retry           map[string]func()

	onValueError func(err error, msg *Message)
	onOtherError func(err error, msg *Message)

	events  chan loopEvent
	stopCh  chan struct{}
	done    chan struct{}
	running int32
}

// NewEventLoop constructs an EventLoop. Call RegisterCommand/RegisterReply
// to wire up handlers, then Run to start processing; Run blocks until Stop
// is called.
func NewEventLoop(log Logger) *EventLoop {
	return &EventLoop{
		log:             log,
		commandHandlers: make(map[string]commandSpec),
		replyCallbacks:  make(map[string]func(*Message)),
		retry:           make(map[string]func()),
		events:          make(chan loopEvent, 64),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// RegisterCommand wires up a broker-initiated command. Commands may only
// be registered before Run is called, required params are checked before
// the handler runs, and requiresReply rejects a message with no
// correlation-id.
func (l *EventLoop) RegisterCommand(name string, requiredParams []string, requiresReply bool, handler CommandHandler) error {
	if atomic.LoadInt32(&l.running) != 0 {
		return stateErrorf("cannot register command %q on a running event loop", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.commandHandlers[name]; exists {
		return stateErrorf("command %q already registered", name)
	}
	l.commandHandlers[name] = commandSpec{handler: handler, requiredParams: requiredParams, requiresReply: requiresReply}
	return nil
}

// RegisterReply hooks a one-shot or streaming callback to a
// correlation-id.
func (l *EventLoop) RegisterReply(correlationID string, callback func(*Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replyCallbacks[correlationID] = callback
}

// UnregisterReply removes a reply hook; calling it for an id that isn't
// hooked is a no-op.
func (l *EventLoop) UnregisterReply(correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.replyCallbacks, correlationID)
}

// FailPendingReplies delivers a synthetic exception reply to every
// registered reply callback and clears the table. Called on connection
// shutdown so blocking and streaming senders fail immediately instead of
// waiting out their timeouts.
func (l *EventLoop) FailPendingReplies(reason string) {
	l.mu.Lock()
	callbacks := l.replyCallbacks
	l.replyCallbacks = make(map[string]func(*Message))
	l.mu.Unlock()
	for id, cb := range callbacks {
		cb(&Message{CorrelationID: id, Params: map[string]interface{}{"exception": reason}})
	}
}

// RegisterRetry adds a named callback invoked on every poll tick until
// unregistered, e.g. for a deferred accept retry.
func (l *EventLoop) RegisterRetry(name string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retry[name] = fn
}

// UnregisterRetry removes a named retry callback.
func (l *EventLoop) UnregisterRetry(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retry, name)
}

// OnValueError installs the handler invoked when a command's required
// parameters are missing or it needed a reply but wasn't replyable. With no
// handler installed, such errors are logged and the message is dropped.
func (l *EventLoop) OnValueError(fn func(err error, msg *Message)) {
	l.onValueError = fn
}

// OnOtherError installs the handler invoked when a command handler panics.
// Recovered and passed here rather than re-panicking, since one broker
// command's bug should not take down the whole session.
func (l *EventLoop) OnOtherError(fn func(err error, msg *Message)) {
	l.onOtherError = fn
}

// Dispatch delivers an ordinary message to the loop for processing. Safe to
// call from any goroutine; typically called by the connection's trunk
// reader.
func (l *EventLoop) Dispatch(msg *Message) {
	select {
	case l.events <- loopEvent{msg: msg}:
	case <-l.stopCh:
	}
}

// Run processes events until Stop is called. It is meant to be run on its
// own goroutine; every command handler and reply callback registered above
// executes on this goroutine, except the synthetic failure replies that
// FailPendingReplies delivers on its own caller's goroutine.
func (l *EventLoop) Run() {
	atomic.StoreInt32(&l.running, 1)
	defer func() {
		atomic.StoreInt32(&l.running, 0)
		close(l.done)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-l.stopCh:
			return
		case ev := <-l.events:
			l.handleEvent(ev)
		case now := <-ticker.C:
			latency := now.Sub(lastTick) - pollInterval
			if latency > stallWarnTime {
				l.log.Warnf("event loop stalled for %s", latency)
			}
			lastTick = now
			l.runRetries()
		}
	}
}

func (l *EventLoop) handleEvent(ev loopEvent) {
	msg := ev.msg
	if exc, ok := msg.Exception(); ok {
		l.log.Errorf("broker reported exception: %s", exc)
	}

	l.mu.Lock()
	reply, hasReply := l.replyCallbacks[msg.CorrelationID]
	l.mu.Unlock()
	if hasReply && msg.CorrelationID != "" {
		reply(msg)
		if msg.IsTerminalSentinel() {
			l.UnregisterReply(msg.CorrelationID)
		}
		return
	}

	l.mu.Lock()
	spec, ok := l.commandHandlers[msg.Command]
	l.mu.Unlock()
	if !ok {
		l.log.Warnf("no handler registered for command %q", msg.Command)
		return
	}

	if err := checkBasicProperties(msg, spec); err != nil {
		if l.onValueError != nil {
			l.onValueError(err, msg)
		} else {
			l.log.Errorf("dropping command %q: %v", msg.Command, err)
		}
		return
	}

	l.runHandler(spec.handler, msg)
}

func (l *EventLoop) runHandler(handler CommandHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%v", r)
			if l.onOtherError != nil {
				l.onOtherError(err, msg)
			} else {
				l.log.Errorf("command handler panicked: %v", err)
			}
		}
	}()
	handler(msg)
}

func (l *EventLoop) runRetries() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.retry))
	for _, fn := range l.retry {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func checkBasicProperties(msg *Message, spec commandSpec) error {
	for _, required := range spec.requiredParams {
		if _, ok := msg.Params[required]; !ok {
			return stateErrorf("necessary parameter was not passed: %s", required)
		}
	}
	if spec.requiresReply && !msg.Replyable() {
		return stateErrorf("command needs to be replyable but the message was not: %s", msg.Command)
	}
	return nil
}

// Stop requests the loop to exit. When wait is true it blocks until Run
// has actually returned.
func (l *EventLoop) Stop(wait bool) {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	if wait {
		<-l.done
	}
}

// IsRunning reports whether Run is currently executing.
func (l *EventLoop) IsRunning() bool {
	return atomic.LoadInt32(&l.running) != 0
}
