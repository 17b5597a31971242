package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/repeatexec/descriptor"
	"github.com/guseggert/repeatexec/pipes"
	"github.com/guseggert/repeatexec/runner"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Supervisor owns the lifecycle of at most one child process at a time.
type Supervisor struct {
	resolver *runner.Resolver
	bridge   *pipes.Bridge
	reporter *Reporter
	log      *zap.SugaredLogger

	mu      sync.Mutex
	current *Execution
	aborted bool
	// issued counts the credentials handed out from a rotating uid range.
	issued uint32
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// New builds a supervisor that reports status bytes on status.
func New(resolver *runner.Resolver, bridge *pipes.Bridge, status io.Writer, opts ...Option) *Supervisor {
	s := &Supervisor{
		resolver: resolver,
		bridge:   bridge,
		reporter: NewReporter(status),
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs d to a terminal state. It does not report the status; see Report.
func (s *Supervisor) Execute(ctx context.Context, d descriptor.Descriptor) *Execution {
	e := &Execution{ID: uuid.New(), Descriptor: d, State: StateStarting}
	log := s.log.With("execution", e.ID.String())

	sess, err := s.bridge.Open(ctx, log)
	if err != nil {
		log.Errorf("preparing stdio: %s", err)
		e.State = StateStartFailed
		e.Err = err
		return e
	}

	if !s.start(e, sess, log) {
		sess.Close()
		return e
	}
	sess.Start()
	log.Debugw("process started", "PID", e.cmd.Process.Pid, "Command", e.Invocation.String(), "Fallback", e.Invocation.Fallback)

	err = e.cmd.Wait()
	e.Stopped = time.Now()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		log.Debugf("unexpected wait error: %s", err)
	}

	s.mu.Lock()
	s.current = nil
	aborted := s.aborted
	s.mu.Unlock()

	if aborted {
		sess.Close()
	}
	if relayErr := sess.Finish(); relayErr != nil {
		log.Warnf("stdio relay: %s", relayErr)
	}

	if aborted {
		e.State = StateAborted
		e.Err = ErrAborted
	} else if ws, ok := e.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		e.finish(ws)
	} else {
		e.State = StateCompleted
		e.ExitCode = e.cmd.ProcessState.ExitCode()
	}
	log.Infow("execution finished",
		"State", e.State,
		"ExitCode", e.ExitCode,
		"Signal", e.Signal,
		"TimeMS", e.Duration().Milliseconds(),
	)
	return e
}

// start creates the child process. It holds the lock so that an abort either sees the
// running child or prevents it from being started at all.
func (s *Supervisor) start(e *Execution, sess *pipes.Session, log *zap.SugaredLogger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		e.State = StateAborted
		e.Err = ErrAborted
		return false
	}

	cred, err := s.credential()
	if err != nil {
		e.Err = err
		e.State = StateStartFailed
		log.Errorf("unable to start %q: %s", e.Descriptor.Path, err)
		return false
	}
	e.Credential = cred
	cmd, inv, err := s.resolver.Start(e.Descriptor, func(inv runner.Invocation) *exec.Cmd {
		cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
		cmd.Env = e.Descriptor.Environ()
		cmd.Stdin = sess.ChildStdin
		cmd.Stdout = sess.ChildStdout
		cmd.Stderr = sess.ChildStderr
		// own process group, so that an abort also takes down whatever the tracer spawned
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if cred != nil {
			cmd.SysProcAttr.Credential = &syscall.Credential{Uid: cred.UID, Gid: cred.GID, Groups: []uint32{}}
		}
		return cmd
	})
	if err != nil {
		e.Err = err
		e.State = StateStartFailed
		if errors.Is(err, runner.ErrRunnerUnavailable) {
			e.State = StateRunnerUnavailable
		}
		log.Warnf("unable to start %q: %s", e.Descriptor.Path, err)
		return false
	}
	e.cmd = cmd
	e.Invocation = inv
	e.Started = time.Now()
	e.State = StateRunning
	s.current = e
	return true
}

// credential returns the user the next Execution runs as, nil to keep the supervisor's own.
// Must be called with s.mu held.
func (s *Supervisor) credential() (*runner.Credential, error) {
	base := s.resolver.Config().Credential
	if base == nil {
		return nil, nil
	}
	cred, ok := base.Nth(s.issued)
	if !ok {
		return nil, fmt.Errorf("%w: uid range %d-%d exhausted, restart the supervisor", runner.ErrStartFailed, base.UID, base.MaxUID)
	}
	if base.Rotating() {
		s.issued++
	}
	return &cred, nil
}

// Report writes the status byte of a terminal Execution.
// Returns ErrAborted for an aborted Execution or once the supervisor was aborted.
func (s *Supervisor) Report(e *Execution) error {
	st, ok := e.Status()
	if !ok {
		return ErrAborted
	}
	return s.reporter.Report(st)
}

// ReportStatus writes a status byte that doesn't belong to an Execution, e.g. for a malformed line.
func (s *Supervisor) ReportStatus(st Status) error {
	return s.reporter.Report(st)
}

// Abort stops all reporting and kills the running child, if any. It is safe to call more than once
// and from any goroutine.
func (s *Supervisor) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.log.Warn("aborting")
	}
	s.aborted = true
	s.reporter.Close()
	if s.current == nil {
		return
	}
	pid := s.current.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		s.log.Debugf("killing process group %d: %s", pid, err)
	}
	_ = s.current.cmd.Process.Kill()
}

// Aborted reports whether Abort was called.
func (s *Supervisor) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
