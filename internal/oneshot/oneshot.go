// Package oneshot provides a set-once boolean signal with subscribers.
//
// A [Flag] starts false and can be flipped to true exactly once. Readers may
// poll it ([Flag.IsSet]), block on it ([Flag.Wait], [Flag.Done]) or register
// callbacks ([Flag.Subscribe]) that run once when it is set. It never reverts.
package oneshot

import (
	"context"
	"sync"
	"sync/atomic"
)

// Flag is a monotonic one-shot signal. The zero value is ready to use.
type Flag struct {
	set atomic.Bool

	mu   sync.Mutex
	ch   chan struct{}
	subs []func()
}

func (f *Flag) chanLocked() chan struct{} {
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool { return f.set.Load() }

// Set flips the flag to true. It returns true only for the call that
// performed the transition. Subscribers run synchronously on that call,
// after internal locks are released, so they may safely call back into
// whatever owns the flag.
func (f *Flag) Set() bool {
	notify, ok := f.Arm()
	if ok {
		notify()
	}
	return ok
}

// Arm flips the flag like Set but leaves running the subscribers to the
// returned func. Owners that guard the transition with their own lock call
// Arm under it and notify after unlocking. ok is false when the flag was
// already set; notify is then a no-op.
func (f *Flag) Arm() (notify func(), ok bool) {
	f.mu.Lock()
	if f.set.Load() {
		f.mu.Unlock()
		return func() {}, false
	}
	f.set.Store(true)
	close(f.chanLocked())
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	return func() {
		for _, fn := range subs {
			fn()
		}
	}, true
}

// Done returns a channel closed once the flag is set.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chanLocked()
}

// Subscribe registers fn to run once when the flag is set. If the flag is
// already set, fn runs immediately on the calling goroutine.
func (f *Flag) Subscribe(fn func()) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if f.set.Load() {
		f.mu.Unlock()
		fn()
		return
	}
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
}

// Wait blocks until the flag is set or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	if f.IsSet() {
		return nil
	}
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
