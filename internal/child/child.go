// Package child implements the Child Supervisor (spec §4.4): starting
// the optional supervised command, propagating termination/hang-up
// signals to it, and non-blocking polling for its exit. Adapted from
// the process-restart supervisor in manager/process.go, trimmed to the
// single-child, single-start lifetime the maintenance loop needs (no
// restart policy — the child's exit IS the daemon's exit).
package child

import (
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gravwell/kstart/internal/kerrs"
)

// Status is the outcome of a non-blocking Poll.
type Status int

const (
	NotExited Status = iota
	Exited
	WaitFailed
)

// PollResult is what step 1 of the RUNNING state (spec §4.7) needs:
// whether the child is still alive and, if not, its exit code.
type PollResult struct {
	Status Status
	Code   int
}

// Supervisor owns exactly one child process for the life of the
// daemon (spec invariant 1: at most one child process exists per
// supervisor).
type Supervisor struct {
	cmd    *exec.Cmd
	pid    int
	mu     sync.Mutex
	done   atomic.Bool
	result PollResult
	waitCh chan PollResult
}

// Start forks/execs program with argv, in its own process group, and
// returns a Supervisor for it (the child PID is available via PID). On
// any failure it returns kerrs.ErrSpawnFailed.
func Start(program string, argv []string) (*Supervisor, error) {
	cmd := &exec.Cmd{
		Path:   program,
		Args:   append([]string{program}, argv...),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true,
		},
	}
	if err := cmd.Start(); err != nil {
		return nil, kerrs.ErrSpawnFailed
	}

	s := &Supervisor{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		waitCh: make(chan PollResult, 1),
	}
	go s.wait()
	return s, nil
}

func (s *Supervisor) wait() {
	err := s.cmd.Wait()
	res := PollResult{Status: Exited}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.Code = exitErr.ExitCode()
		} else {
			res.Status = WaitFailed
			res.Code = 1
		}
	}
	s.waitCh <- res
}

// PID returns the supervised child's process ID.
func (s *Supervisor) PID() int { return s.pid }

// Poll is the non-blocking check of spec §4.4: it must not block if
// the child is still running.
func (s *Supervisor) Poll() PollResult {
	if s.done.Load() {
		s.mu.Lock()
		r := s.result
		s.mu.Unlock()
		return r
	}
	select {
	case r := <-s.waitCh:
		s.mu.Lock()
		s.result = r
		s.mu.Unlock()
		s.done.Store(true)
		return r
	default:
		return PollResult{Status: NotExited}
	}
}

// Signal delivers sig to the child process, used by the propagation
// handlers installed in InstallPropagation.
func (s *Supervisor) Signal(sig os.Signal) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(sig)
}

// InstallPropagation registers the handlers spec §4.4 requires once a
// child is being supervised: SIGHUP and SIGTERM are forwarded to the
// child PID (replacing the Signal Inbox's own shutdown handling, which
// is only installed when no child is present); SIGCHLD is caught
// purely to interrupt the Sleeper — wake receives a best-effort ping
// on every one of these signals so the maintenance loop's sleep
// returns promptly and reaches its poll step.
//
// The returned restore func undoes the registration.
func (s *Supervisor) InstallPropagation(wake chan<- struct{}) (restore func()) {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGCHLD)
	stop := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig == syscall.SIGHUP || sig == syscall.SIGTERM {
					s.Signal(sig)
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	return func() {
		close(stop)
		signal.Stop(sigCh)
		<-doneCh
	}
}
