// Package sigbox implements the Signal Inbox (spec §4.2): it turns
// asynchronous signal delivery into edge-triggered, sig-atomic flags
// the maintenance loop polls and clears. The only writer of the flags
// is the inbox's own signal-relay goroutine; the loop is the only
// reader/clearer, so no further locking is required.
//
// Go never hands user code a real async signal handler (the runtime's
// signal.Notify delivery already runs on its own goroutine), so the
// sig_atomic_t flags of the original C implementation are modeled here
// as atomic.Bool: set only from the relay goroutine, cleared only by
// the loop after it observes them — the same single-writer discipline
// the original C handlers rely on.
package sigbox

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Inbox tracks the two flags the maintenance loop observes, plus a
// wake channel used to interrupt the Sleeper. The wake channel also
// fires for the pure "child status changed" signal, which carries no
// flag of its own — its only job is to break the Sleeper out early so
// step 1 of the RUNNING state can reap the child promptly.
type Inbox struct {
	refresh  atomic.Bool
	shutdown atomic.Bool
	wake     chan struct{}

	sigCh chan os.Signal
	stop  chan struct{}
	done  chan struct{}
}

// New creates an Inbox. Call Install to begin relaying signals.
func New() *Inbox {
	return &Inbox{
		wake: make(chan struct{}, 1),
	}
}

// Install registers signal handlers for the early-wake signal
// (SIGALRM), the child-status signal (SIGCHLD, which sets no flag and
// exists purely to interrupt the Sleeper), and optionally the
// shutdown signals (SIGHUP, SIGTERM) when withShutdown is true — per
// spec §4.2, those are only installed while no child is being
// supervised; when a child is present they are instead propagated to
// the child by the Child Supervisor.
//
// Install returns a restore func that undoes the signal registration;
// callers should defer it so the prior disposition is always restored
// on every exit path.
func (ib *Inbox) Install(withShutdown bool) (restore func()) {
	sigs := []os.Signal{syscall.SIGALRM, syscall.SIGCHLD}
	if withShutdown {
		sigs = append(sigs, syscall.SIGHUP, syscall.SIGTERM)
	}

	ib.sigCh = make(chan os.Signal, 8)
	ib.stop = make(chan struct{})
	ib.done = make(chan struct{})
	signal.Notify(ib.sigCh, sigs...)

	go ib.relay(withShutdown)

	return func() {
		close(ib.stop)
		signal.Stop(ib.sigCh)
		<-ib.done
	}
}

func (ib *Inbox) relay(withShutdown bool) {
	defer close(ib.done)
	for {
		select {
		case <-ib.stop:
			return
		case sig, ok := <-ib.sigCh:
			if !ok {
				return
			}
			switch sig {
			case syscall.SIGALRM:
				ib.refresh.Store(true)
			case syscall.SIGHUP, syscall.SIGTERM:
				if withShutdown {
					ib.shutdown.Store(true)
				}
			case syscall.SIGCHLD:
				// no flag; falls through to the wake below
			}
			select {
			case ib.wake <- struct{}{}:
			default:
			}
		}
	}
}

// RefreshRequested reports and does not clear the early-wake flag.
func (ib *Inbox) RefreshRequested() bool { return ib.refresh.Load() }

// ClearRefresh clears the early-wake flag; called by the loop once it
// has acted on (or deliberately ignored, e.g. during backoff) the
// request.
func (ib *Inbox) ClearRefresh() { ib.refresh.Store(false) }

// ShutdownRequested reports the graceful-exit flag.
func (ib *Inbox) ShutdownRequested() bool { return ib.shutdown.Load() }

// Pending implements clock.Waker: a sleep must not coalesce a flag
// that was already set before the sleep began.
func (ib *Inbox) Pending() bool {
	return ib.refresh.Load() || ib.shutdown.Load()
}

// C implements clock.Waker.
func (ib *Inbox) C() <-chan struct{} {
	return ib.wake
}

// WakeSendSide exposes the wake channel's send side to the Child
// Supervisor, so a SIGCHLD delivered to its own propagation handler
// can also interrupt the Sleeper through the same channel the Inbox's
// relay goroutine feeds.
func (ib *Inbox) WakeSendSide() chan<- struct{} {
	return ib.wake
}

// Drain empties any stale wake notification, used right before a
// fresh Sleep so a wake from the iteration just completed doesn't
// immediately re-trigger the next one.
func (ib *Inbox) Drain() {
	select {
	case <-ib.wake:
	default:
	}
}
