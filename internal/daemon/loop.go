// Package daemon implements the Maintenance Loop (spec §4.7), the
// state machine that ties every other component together:
// INIT → PRIMED → (DETACHED) → SPAWNED? → RUNNING ⇄ REFRESH → RUNNING → DRAIN → EXIT.
package daemon

import (
	"errors"
	"os"
	"time"

	"github.com/gravwell/kstart/internal/cacheio"
	"github.com/gravwell/kstart/internal/child"
	"github.com/gravwell/kstart/internal/clock"
	"github.com/gravwell/kstart/internal/config"
	"github.com/gravwell/kstart/internal/expiry"
	"github.com/gravwell/kstart/internal/kerrs"
	"github.com/gravwell/kstart/internal/klog"
	"github.com/gravwell/kstart/internal/pidfile"
	"github.com/gravwell/kstart/internal/sigbox"
)

// RuntimeState is the small mutable record spec §3 defines, held by
// the loop and mutated only by the loop body and the Signal Inbox.
type RuntimeState struct {
	ChildPID          int
	LastAuthCode      error
	ShutdownRequested bool
	RefreshRequested  bool
}

// Sleeper is the subset of clock.Sleeper the loop needs; declared as
// an interface so tests can swap in a fake that never really sleeps.
type Sleeper interface {
	Sleep(d time.Duration, w clock.Waker) (interrupted bool)
}

// Detacher abstracts spec §4.7 DETACHED's "new session, close std
// streams, chdir to root" behavior, so tests never touch the real
// process.
type Detacher interface {
	Detach() error
}

// realDetacher is the production Detacher, grounded on the POSIX
// double-fork daemonization idiom the original k5start.c uses — here
// reduced to the single syscall.Setsid step a long-running Go process
// (which cannot safely fork after starting goroutines) can still
// perform: start a new session so the process is no longer attached
// to a controlling terminal, then redirect the standard streams and
// chdir to "/" so no relative path or open terminal outlives the
// parent shell.
type realDetacher struct{}

// Loop owns every collaborator and runs the state machine of spec
// §4.7. Construct with New, then call Run.
type Loop struct {
	Cfg      *config.Config
	Provider CredentialProvider
	Afs      AfsIntegration
	Cache    *cacheio.Writer
	Clock    clock.Clock
	Sleep    Sleeper
	Log      *klog.Logger
	Inbox    *sigbox.Inbox
	Detach   Detacher

	state      RuntimeState
	cleanCache bool
	child      *child.Supervisor
	restoreSig func()
}

// New wires a Loop from its collaborators. detach may be nil, in
// which case the production Detacher is used.
func New(cfg *config.Config, provider CredentialProvider, afs AfsIntegration, cache *cacheio.Writer, clk clock.Clock, sleeper Sleeper, log *klog.Logger, inbox *sigbox.Inbox, detach Detacher) *Loop {
	if detach == nil {
		detach = realDetacher{}
	}
	return &Loop{
		Cfg:      cfg,
		Provider: provider,
		Afs:      afs,
		Cache:    cache,
		Clock:    clk,
		Sleep:    sleeper,
		Log:      log,
		Inbox:    inbox,
		Detach:   detach,
	}
}

// backoffDelays is the bounded exponential backoff of spec §4.7
// PRIMED: 1, 2, 4, 8, 16, 30, 30, … seconds.
var backoffDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffDelays) {
		return backoffDelays[len(backoffDelays)-1]
	}
	return backoffDelays[attempt]
}

// Run executes the full state machine and returns the process exit
// status. It never calls os.Exit itself; callers (cmd/k5start,
// cmd/krenew) are responsible for that, so tests can observe the
// status without killing the test binary.
func (l *Loop) Run() int {
	if err := l.init(); err != nil {
		l.Log.Error("init failed", klog.KVErr(err))
		return 1
	}

	if status, done := l.primed(); done {
		return l.drain(status)
	}

	if err := l.detached(); err != nil {
		l.Log.Error("backgrounding failed", klog.KVErr(err))
		return l.drain(1)
	}

	if err := l.spawned(); err != nil {
		l.Log.Error("spawn failed", klog.KVErr(err))
		return l.drain(1)
	}

	// keep_interval_min == 0 with no supervised command is one-shot
	// mode (spec §3): the initial authentication already happened in
	// PRIMED, there is nothing left to wait on, and no shutdown
	// handler was installed for exactly this reason.
	if l.child == nil && l.Cfg.KeepIntervalMin == 0 {
		return l.drain(0)
	}

	status := l.running()
	return l.drain(status)
}

// init is spec §4.7 INIT: create the process authentication group
// before any authentication, when AFS integration, the post-auth hook
// (DoHook) and a child are all configured, then take the cache lock.
func (l *Loop) init() error {
	if l.Afs != nil && l.Cfg.DoHook && len(l.Cfg.Command) > 0 {
		if err := l.Afs.CreateGroup(); err != nil {
			return err
		}
	}
	if err := l.Cache.Lock(); err != nil {
		return err
	}
	return nil
}

// primed is spec §4.7 PRIMED. The bool return reports whether the
// loop should terminate immediately (exit status valid) rather than
// continue to DETACHED.
func (l *Loop) primed() (status int, done bool) {
	if l.Cfg.HappyThresholdMin > 0 {
		if summary, err := l.Provider.Inspect(l.Cfg.CachePath); err == nil {
			outcome := expiry.Evaluate(l.Clock.Now(), summary, l.Cfg.KeepIntervalMin, l.Cfg.HappyThresholdMin)
			if outcome == expiry.Fresh {
				l.Log.Info("existing cache is fresh, skipping initial authentication")
				return 0, false
			}
		}
	}

	if err := l.authenticate(); err == nil {
		l.state.LastAuthCode = nil
		l.runHookIfConfigured()
		return 0, false
	} else {
		l.state.LastAuthCode = err
	}

	if !l.Cfg.IgnoreInitialErrors {
		l.Log.Error("initial authentication failed", klog.KVErr(l.state.LastAuthCode))
		return 1, true
	}

	for attempt := 0; ; attempt++ {
		if l.Inbox != nil && l.Inbox.ShutdownRequested() {
			l.Log.Info("shutdown requested during initial-auth backoff")
			return 0, true
		}
		d := backoffDelay(attempt)
		l.Log.Info("retrying initial authentication after backoff", klog.KV("delay", d.String()))
		// The waker reports only the shutdown flag as pending, never
		// early-wake. The loop installs no signal handlers before
		// SPAWNED, so during this wait SIGHUP, SIGTERM and SIGALRM keep
		// whatever disposition the process already had; the shutdown
		// checks here only see a flag set by an Inbox the caller
		// installed itself.
		l.Sleep.Sleep(d, shutdownOnlyWaker{l.Inbox})
		if l.Inbox != nil && l.Inbox.ShutdownRequested() {
			return 0, true
		}
		if err := l.authenticate(); err == nil {
			l.state.LastAuthCode = nil
			l.runHookIfConfigured()
			return 0, false
		} else {
			l.state.LastAuthCode = err
		}
	}
}

// shutdownOnlyWaker adapts the Signal Inbox into a clock.Waker for the
// backoff wait: Pending reports only the shutdown flag, never
// early-wake. C is the Inbox's own wake channel, which receives on
// every signal the Inbox relays.
type shutdownOnlyWaker struct {
	ib *sigbox.Inbox
}

func (w shutdownOnlyWaker) Pending() bool {
	return w.ib != nil && w.ib.ShutdownRequested()
}

func (w shutdownOnlyWaker) C() <-chan struct{} {
	if w.ib == nil {
		ch := make(chan struct{})
		return ch
	}
	return w.ib.C()
}

// detached is spec §4.7 DETACHED.
func (l *Loop) detached() error {
	if l.Cfg.Background {
		if err := l.Detach.Detach(); err != nil {
			return err
		}
		l.Log.Info("backgrounded")
	}
	return pidfile.Write(l.Cfg.PidFile, os.Getpid())
}

// spawned is spec §4.7 SPAWNED.
func (l *Loop) spawned() error {
	if len(l.Cfg.Command) > 0 {
		program := l.Cfg.Command[0]
		sp, err := child.Start(program, l.Cfg.Command[1:])
		if err != nil {
			return err
		}
		l.child = sp
		l.state.ChildPID = sp.PID()
		if l.Cfg.KeepIntervalMin == 0 {
			l.Cfg.KeepIntervalMin = 60
		}
		if err := pidfile.Write(l.Cfg.ChildFile, sp.PID()); err != nil {
			l.Log.Error("writing childfile", klog.KVErr(err))
		}
		if l.Inbox != nil {
			// SIGHUP/SIGTERM are forwarded to the child by the Child
			// Supervisor's own propagation handler, not handled here
			// (withShutdown=false) — but SIGALRM must still be wired
			// unconditionally whenever a maintenance interval is
			// configured, independent of whether a child is present
			// (spec §4.2 only qualifies shutdown_requested on child
			// presence, not refresh_requested).
			restoreInbox := l.Inbox.Install(false)
			restoreChild := sp.InstallPropagation(l.wakeChan())
			l.restoreSig = func() {
				restoreChild()
				restoreInbox()
			}
		}
	} else if l.Cfg.KeepIntervalMin > 0 && l.Inbox != nil {
		l.restoreSig = l.Inbox.Install(true)
	}
	return nil
}

// wakeChan exposes the Signal Inbox's wake channel to the Child
// Supervisor's propagation handlers so a SIGCHLD also interrupts the
// Sleeper; both are best-effort, non-blocking sends into the same
// single-slot channel.
func (l *Loop) wakeChan() chan<- struct{} {
	return l.Inbox.WakeSendSide()
}

// running is spec §4.7 RUNNING.
func (l *Loop) running() int {
	if l.Inbox == nil {
		l.Inbox = sigbox.New()
	}
	for {
		if l.child != nil {
			res := l.child.Poll()
			switch res.Status {
			case child.Exited:
				return res.Code
			case child.WaitFailed:
				l.Log.Error("failed to reap child", klog.KVErr(kerrs.ErrWaitFailed))
				return 1
			}
		}

		wait := 60 * time.Second
		if l.state.LastAuthCode == nil {
			wait = time.Duration(l.Cfg.KeepIntervalMin) * time.Minute
		}

		l.Inbox.Drain()
		l.Sleep.Sleep(wait, l.Inbox)

		if l.Inbox.ShutdownRequested() {
			return 0
		}

		if l.child != nil {
			res := l.child.Poll()
			if res.Status == child.Exited {
				return res.Code
			} else if res.Status == child.WaitFailed {
				l.Log.Error("failed to reap child", klog.KVErr(kerrs.ErrWaitFailed))
				return 1
			}
		}

		summary, inspectErr := l.Provider.Inspect(l.Cfg.CachePath)
		var outcome expiry.Outcome
		if inspectErr != nil {
			if l.Cfg.Renew {
				l.Log.Error("cache unreadable mid-flight", klog.KVErr(inspectErr))
				if !l.Cfg.IgnoreInitialErrors {
					return 1
				}
				outcome = expiry.Unrenewable
			} else {
				outcome = expiry.CacheUnreadable()
			}
		} else {
			outcome = expiry.Evaluate(l.Clock.Now(), summary, l.Cfg.KeepIntervalMin, l.Cfg.HappyThresholdMin)
		}

		needsAuth := l.Inbox.RefreshRequested() || l.Cfg.AlwaysRenew || outcome != expiry.Fresh
		if needsAuth {
			err := l.authenticate()
			if err != nil {
				var ae *kerrs.AuthError
				if errors.As(err, &ae) && ae.Kind == kerrs.AuthCannotRenew && l.Cfg.Renew && !l.Cfg.IgnoreInitialErrors {
					l.Log.Error("renewable lifetime exhausted", klog.KVErr(err))
					return 1
				}
				if l.Cfg.ExitOnErrors {
					l.Log.Error("mid-flight authentication failed, exiting", klog.KVErr(err))
					return 1
				}
				l.Log.Error("mid-flight authentication failed, will retry", klog.KVErr(err))
				l.state.LastAuthCode = err
			} else {
				l.state.LastAuthCode = nil
				l.runHookIfConfigured()
			}
		}

		l.Inbox.ClearRefresh()
	}
}

// drain is spec §4.7 DRAIN, the single exit funnel every path routes
// through.
func (l *Loop) drain(status int) int {
	if l.restoreSig != nil {
		l.restoreSig()
	}
	if l.cleanCache {
		if err := l.Cache.Destroy(); err != nil {
			l.Log.Error("removing fabricated cache", klog.KVErr(err))
		}
	}
	pidfile.Remove(l.Cfg.PidFile)
	pidfile.Remove(l.Cfg.ChildFile)
	l.Cache.Unlock()
	return status
}

// authenticate runs the full Cache Writer protocol of spec §4.3 around
// one Credential Provider call: prepare a scratch file, let the
// Provider write the complete new cache into it, then commit it
// atomically over the managed cache — or discard it on failure,
// leaving the prior cache untouched (spec invariant 2).
func (l *Loop) authenticate() error {
	h, err := l.Cache.Prepare()
	if err != nil {
		return err
	}

	req := AuthRequest{
		ScratchPath:      h.Path,
		SourcePath:       l.Cfg.CachePath,
		ClientPrincipal:  l.Cfg.ClientPrincipal,
		Keytab:           l.Cfg.Keytab,
		Stdin:            l.Cfg.Stdin,
		DeriveFromKeytab: l.Cfg.DeriveFromKeytab,
		LifetimeMin:      l.Cfg.LifetimeMin,
		Realm:            l.Cfg.Realm,
		Renew:            l.Cfg.Renew,
		PriorStatus:      l.state.LastAuthCode,
	}
	if err := l.Provider.Authenticate(req); err != nil {
		l.Cache.Discard(h)
		return err
	}

	perms := cacheio.Perms{
		Owner:   l.Cfg.Owner,
		Group:   l.Cfg.Group,
		Mode:    l.Cfg.Mode,
		HasMode: l.Cfg.HasMode,
	}
	return l.Cache.Commit(h, perms)
}

func (l *Loop) runHookIfConfigured() {
	if !l.Cfg.DoHook || l.Afs == nil {
		return
	}
	code, err := l.Afs.RunHook(l.Cfg.CachePath)
	if err != nil {
		l.Log.Error("post-auth hook failed", klog.KVErr(err), klog.KV("exit_code", code))
	}
}

// SetCleanCache marks the managed cache as fabricated: DRAIN will
// unlink it on every exit path (spec invariant 3).
func (l *Loop) SetCleanCache(v bool) { l.cleanCache = v }
