package supervisor

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/repeatexec/descriptor"
	"github.com/guseggert/repeatexec/runner"
)

type State int

const (
	StateStarting State = iota
	StateRunning
	StateCompleted
	StateSignaled
	StateAborted
	StateRunnerUnavailable
	StateStartFailed
)

var stateNames = map[State]string{
	StateStarting:          "starting",
	StateRunning:           "running",
	StateCompleted:         "completed",
	StateSignaled:          "signaled",
	StateAborted:           "aborted",
	StateRunnerUnavailable: "runner unavailable",
	StateStartFailed:       "start failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no more transitions can happen.
func (s State) Terminal() bool {
	return s > StateRunning
}

// Execution is one child process started for a descriptor.
type Execution struct {
	ID         uuid.UUID
	Descriptor descriptor.Descriptor
	Invocation runner.Invocation
	// Credential is the user the child ran as, nil for the supervisor's own.
	Credential *runner.Credential

	State    State
	ExitCode int
	Signal   syscall.Signal
	Err      error

	Started time.Time
	Stopped time.Time

	cmd *exec.Cmd
}

func (e *Execution) Duration() time.Duration {
	if e.Started.IsZero() || e.Stopped.IsZero() {
		return 0
	}
	return e.Stopped.Sub(e.Started)
}

// Status maps a terminal Execution to its status byte.
// Aborted executions have no status; ok is false for them and for non-terminal states.
func (e *Execution) Status() (s Status, ok bool) {
	if !e.State.Terminal() {
		return 0, false
	}
	switch e.State {
	case StateCompleted:
		return Status(clampExitCode(e.ExitCode)), true
	case StateSignaled:
		return StatusSignaled, true
	case StateRunnerUnavailable:
		return StatusRunnerUnavailable, true
	case StateStartFailed:
		return StatusStartFailed, true
	}
	return 0, false
}

// clampExitCode keeps out-of-range codes away from 0 so they never read as success.
func clampExitCode(code int) byte {
	switch {
	case code < 0, code > 255:
		return 255
	}
	return byte(code)
}

// finish records how the child ended from its wait status.
func (e *Execution) finish(ws syscall.WaitStatus) {
	switch {
	case ws.Signaled():
		e.State = StateSignaled
		e.Signal = ws.Signal()
		e.ExitCode = -1
	default:
		e.State = StateCompleted
		e.ExitCode = ws.ExitStatus()
	}
}
