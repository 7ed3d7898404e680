package remote

import "sync/atomic"

// Killable is a boolean dead-flag with two consumption modes, embedded by
// value in every resource type that can be torn down out from under a
// caller: Container, Process, Connection.
type Killable struct {
	dead int32
}

// MarkAsDead idempotently marks the object dead. Safe to call more than
// once; destroy-after-destroy is a no-op.
func (k *Killable) MarkAsDead() {
	atomic.StoreInt32(&k.dead, 1)
}

// IsDead reports whether MarkAsDead has been called.
func (k *Killable) IsDead() bool {
	return atomic.LoadInt32(&k.dead) != 0
}

// BailIfDead returns true if the object is dead, for call sites where the
// caller did not itself initiate the death and should simply no-op,
// such as streaming callbacks arriving after teardown.
func (k *Killable) BailIfDead() bool {
	return k.IsDead()
}

// EnsureAlive returns a StateError if the object is dead, for call sites
// where proceeding would be a caller misuse.
func (k *Killable) EnsureAlive() error {
	if k.IsDead() {
		return stateErrorf("object has been destroyed")
	}
	return nil
}
