package remote

import (
	"testing"
	"time"
)

func TestEventLoopDispatchesCommand(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	received := make(chan *Message, 1)
	if err := loop.RegisterCommand("resource_offer", []string{"node"}, false, func(msg *Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	go loop.Run()
	defer loop.Stop(true)

	loop.Dispatch(NewMessage("resource_offer", map[string]interface{}{"node": "n1"}))

	select {
	case msg := <-received:
		if msg.Command != "resource_offer" {
			t.Fatalf("unexpected command: %s", msg.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for command dispatch")
	}
}

func TestEventLoopMissingRequiredParamInvokesValueErrorHandler(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	handlerCalled := make(chan struct{}, 1)
	errs := make(chan error, 1)
	loop.OnValueError(func(err error, msg *Message) {
		errs <- err
	})
	if err := loop.RegisterCommand("resource_offer", []string{"node"}, false, func(msg *Message) {
		handlerCalled <- struct{}{}
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	go loop.Run()
	defer loop.Stop(true)

	loop.Dispatch(NewMessage("resource_offer", map[string]interface{}{}))

	select {
	case <-handlerCalled:
		t.Fatalf("handler should not have run with a missing required param")
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value error handler")
	}
}

func TestEventLoopReplyCallbackTakesPriorityOverCommand(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	commandCalled := make(chan struct{}, 1)
	replyCalled := make(chan *Message, 1)

	if err := loop.RegisterCommand("container_status_update", nil, false, func(msg *Message) {
		commandCalled <- struct{}{}
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}
	loop.RegisterReply("corr-1", func(msg *Message) {
		replyCalled <- msg
	})

	go loop.Run()
	defer loop.Stop(true)

	loop.Dispatch(&Message{Command: "container_status_update", CorrelationID: "corr-1"})

	select {
	case <-commandCalled:
		t.Fatalf("command handler should not run when a reply callback is registered for the correlation id")
	case msg := <-replyCalled:
		if msg.CorrelationID != "corr-1" {
			t.Fatalf("unexpected correlation id: %s", msg.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reply callback")
	}
}

func TestEventLoopRetry(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	calls := make(chan struct{}, 8)
	loop.RegisterRetry("reconnect", func() {
		select {
		case calls <- struct{}{}:
		default:
		}
	})

	go loop.Run()
	defer loop.Stop(true)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a retry tick")
	}
}

func TestEventLoopRegisterCommandAfterRunRejected(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	go loop.Run()
	defer loop.Stop(true)

	// give the loop goroutine a moment to flip the running flag.
	for i := 0; i < 100 && !loop.IsRunning(); i++ {
		time.Sleep(time.Millisecond)
	}

	err := loop.RegisterCommand("late", nil, false, func(msg *Message) {})
	if err == nil {
		t.Fatalf("expected registering a command on a running loop to fail")
	}
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("expected a *StateError, got %T", err)
	}
}

func TestEventLoopStopWaits(t *testing.T) {
	loop := NewEventLoop(NewLogger("error"))
	go loop.Run()
	for i := 0; i < 100 && !loop.IsRunning(); i++ {
		time.Sleep(time.Millisecond)
	}
	loop.Stop(true)
	if loop.IsRunning() {
		t.Fatalf("expected loop to have stopped")
	}
}
