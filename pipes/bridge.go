package pipes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/fifo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ErrPipeBroken is reported when the peer of a stdio FIFO went away mid-stream.
var ErrPipeBroken = errors.New("pipe broken")

const copyBufSize = 32 * 1024

// Bridge relays the stdio of one child process at a time onto the stdio FIFOs of a Set.
type Bridge struct {
	pipes Set
	log   *zap.SugaredLogger

	// drainGrace bounds how long output relays may keep running after the child exited.
	drainGrace time.Duration
}

func NewBridge(pipes Set, drainGrace time.Duration, log *zap.SugaredLogger) *Bridge {
	return &Bridge{pipes: pipes, log: log, drainGrace: drainGrace}
}

// Session is the bridge state of a single Execution.
// The child ends are handed to exec.Cmd; the parent ends are owned by the relays.
type Session struct {
	bridge *Bridge
	log    *zap.SugaredLogger

	ChildStdin  *os.File
	ChildStdout *os.File
	ChildStderr *os.File

	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File

	stdinCtx      context.Context
	cancelStdin   context.CancelFunc
	outputCtx     context.Context
	cancelOutputs context.CancelFunc

	stdinGroup  errgroup.Group
	outputGroup errgroup.Group

	closeChildOnce sync.Once
}

// Open creates the OS pipes for a new child. Nothing is opened on the FIFOs until Start.
func (b *Bridge) Open(ctx context.Context, log *zap.SugaredLogger) (*Session, error) {
	s := &Session{bridge: b, log: log.Named("bridge")}
	var err error
	s.ChildStdin, s.stdinW, err = os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	s.stdoutR, s.ChildStdout, err = os.Pipe()
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	s.stderrR, s.ChildStderr, err = os.Pipe()
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	s.stdinCtx, s.cancelStdin = context.WithCancel(ctx)
	s.outputCtx, s.cancelOutputs = context.WithCancel(ctx)
	return s, nil
}

// Start launches the three relays. It must be called once the child has been started,
// and it closes the parent's copies of the child ends.
func (s *Session) Start() {
	s.closeChild()
	b := s.bridge
	s.stdinGroup.Go(func() error {
		return s.feed(s.stdinCtx, b.pipes.Stdin, s.stdinW)
	})
	s.outputGroup.Go(func() error {
		return s.drain(s.outputCtx, "stdout", b.pipes.Stdout, s.stdoutR)
	})
	s.outputGroup.Go(func() error {
		return s.drain(s.outputCtx, "stderr", b.pipes.Stderr, s.stderrR)
	})
}

// Finish is called after the child exited. It gives all three relays the drain grace period:
// the outputs to deliver what the child wrote, and the stdin feed to meet a writer that opens
// the FIFO late, whose bytes are discarded. Relays still running after that are cancelled, so no
// handle of this Execution is left for the next one.
// The returned error only describes relay failures; it never affects the child's status.
func (s *Session) Finish() error {
	done := make(chan error, 2)
	go func() { done <- s.stdinGroup.Wait() }()
	go func() { done <- s.outputGroup.Wait() }()

	var errs error
	timer := time.NewTimer(s.bridge.drainGrace)
	defer timer.Stop()
	for pending := 2; pending > 0; pending-- {
		select {
		case err := <-done:
			errs = multierr.Append(errs, err)
		case <-timer.C:
			s.log.Debugf("relays still running after %s, cancelling", s.bridge.drainGrace)
			s.cancelStdin()
			s.cancelOutputs()
			errs = multierr.Append(errs, <-done)
		}
	}
	s.cancelStdin()
	s.cancelOutputs()
	return errs
}

// Close releases every pipe of a session whose child never started.
func (s *Session) Close() {
	if s.cancelStdin != nil {
		s.cancelStdin()
		s.cancelOutputs()
	}
	s.closeAll()
}

func (s *Session) closeChild() {
	s.closeChildOnce.Do(func() {
		for _, f := range []*os.File{s.ChildStdin, s.ChildStdout, s.ChildStderr} {
			if f != nil {
				f.Close()
			}
		}
	})
}

func (s *Session) closeAll() {
	s.closeChild()
	for _, f := range []*os.File{s.stdinW, s.stdoutR, s.stderrR} {
		if f != nil {
			f.Close()
		}
	}
}

// feed copies from the stdin FIFO into the child's stdin until the writer closes the FIFO.
// Once the child stops reading, the rest is discarded so the writer is never left blocked.
func (s *Session) feed(ctx context.Context, path string, dst *os.File) error {
	defer dst.Close()
	log := s.log.Named("stdin")

	src, err := fifo.OpenFifo(ctx, path, syscall.O_RDONLY, 0)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("no writer opened stdin")
			return nil
		}
		return fmt.Errorf("opening stdin pipe %s: %w", path, err)
	}
	stop := context.AfterFunc(ctx, func() {
		src.Close()
		dst.Close()
	})
	defer stop()
	defer src.Close()

	var w io.Writer = dst
	var total, discarded int64
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if w != nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					log.Debugf("child stopped reading stdin: %s", werr)
					w = nil
				} else {
					total += int64(n)
				}
			}
			if w == nil {
				discarded += int64(n)
			}
		}
		if rerr != nil {
			if rerr != io.EOF && ctx.Err() == nil {
				return fmt.Errorf("reading stdin pipe: %w", rerr)
			}
			break
		}
	}
	log.Debugw("done feeding stdin", "Bytes", total, "Discarded", discarded)
	return nil
}

// drain copies the child's output into a FIFO until the child closes its end.
// Output that can't be delivered is discarded, and the FIFO is reopened for the next reader.
func (s *Session) drain(ctx context.Context, name, path string, src *os.File) error {
	log := s.log.Named(name)
	out := &sink{}
	stop := context.AfterFunc(ctx, func() {
		src.Close()
		out.close()
	})
	defer stop()
	defer out.close()
	defer src.Close()

	var relayErr error
	f, err := fifo.OpenFifo(ctx, path, syscall.O_WRONLY, 0)
	switch {
	case err == nil:
		out.set(f)
	case ctx.Err() == nil:
		relayErr = fmt.Errorf("opening %s pipe %s: %w", name, path, err)
		log.Warnf("%s, discarding output", relayErr)
	}

	reported := false
	buf := make([]byte, copyBufSize)
	var total, dropped int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w := out.get()
			if w == nil && ctx.Err() == nil {
				w = out.set(reopen(path))
			}
			if w == nil {
				dropped += int64(n)
			} else if _, werr := w.Write(buf[:n]); werr != nil {
				out.drop()
				dropped += int64(n)
				if !reported && ctx.Err() == nil {
					reported = true
					relayErr = multierr.Append(relayErr, fmt.Errorf("%s: %w: %s", name, ErrPipeBroken, werr))
					log.Warnf("%s reader went away: %s", name, werr)
				}
			} else {
				total += int64(n)
			}
		}
		if rerr != nil {
			if rerr != io.EOF && ctx.Err() == nil {
				relayErr = multierr.Append(relayErr, fmt.Errorf("reading child %s: %w", name, rerr))
			}
			break
		}
	}
	log.Debugw("done draining", "Bytes", total, "Dropped", dropped)
	return relayErr
}

// sink is the FIFO handle a drain currently writes to. It may be closed from another goroutine
// to unblock a pending write.
type sink struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (k *sink) get() io.WriteCloser {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.w
}

func (k *sink) set(w io.WriteCloser) io.WriteCloser {
	if w == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		w.Close()
		return nil
	}
	k.w = w
	return w
}

// drop closes the current handle but lets a later set install a new one.
func (k *sink) drop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.w != nil {
		k.w.Close()
		k.w = nil
	}
}

func (k *sink) close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	if k.w != nil {
		k.w.Close()
		k.w = nil
	}
}

// reopen opens a FIFO for writing without blocking. It returns nil if there is no reader.
func reopen(path string) io.WriteCloser {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil
	}
	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		unix.Close(fd)
		return nil
	}
	return f
}
