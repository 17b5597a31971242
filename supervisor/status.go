package supervisor

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrAborted is returned once an abort request was handled.
var ErrAborted = errors.New("aborted")

// Status is the byte written on the status channel for one descriptor.
type Status byte

// Reserved status values. Children exiting with these codes can't be told apart from them.
const (
	StatusStartFailed       Status = 252
	StatusMalformed         Status = 253
	StatusRunnerUnavailable Status = 254
	StatusSignaled          Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusStartFailed:
		return "start failed"
	case StatusMalformed:
		return "malformed descriptor"
	case StatusRunnerUnavailable:
		return "runner unavailable"
	case StatusSignaled:
		return "signaled"
	}
	return fmt.Sprintf("exit %d", byte(s))
}

// Reporter writes status bytes. Once closed it never writes again, which is how an abort
// suppresses the status of the Execution it interrupted.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

func (r *Reporter) Report(s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrAborted
	}
	_, err := r.w.Write([]byte{byte(s)})
	if err != nil {
		return fmt.Errorf("writing status byte: %w", err)
	}
	return nil
}

func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
