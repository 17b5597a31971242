// Package control watches the shutdown and abort FIFOs.
//
// Any writer opening a control FIFO is a request, whatever it writes (possibly nothing).
// The two channels are separate paths and are never used for anything else.
package control

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/containerd/fifo"
	"go.uber.org/zap"
)

type Request int

const (
	// Shutdown lets the current Execution finish and stops dispatching new ones.
	Shutdown Request = iota + 1
	// Abort kills the current Execution and ends the supervisor without reporting it.
	Abort
)

func (r Request) String() string {
	switch r {
	case Shutdown:
		return "shutdown"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// Channel is a control FIFO with an optional fallback location.
type Channel struct {
	Path     string
	Fallback string
}

type Listener struct {
	shutdown Channel
	abort    Channel
	onAbort  func()
	log      *zap.SugaredLogger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	abortCh      chan struct{}
	abortOnce    sync.Once

	wg sync.WaitGroup
}

// NewListener builds a listener. onAbort is called from the listener's goroutine as soon as an
// abort request is observed, before Aborted is closed.
func NewListener(shutdown, abort Channel, onAbort func(), log *zap.SugaredLogger) *Listener {
	return &Listener{
		shutdown:   shutdown,
		abort:      abort,
		onAbort:    onAbort,
		log:        log,
		shutdownCh: make(chan struct{}),
		abortCh:    make(chan struct{}),
	}
}

// Start begins watching both channels until ctx is done.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(2)
	go l.watch(ctx, Shutdown, l.shutdown)
	go l.watch(ctx, Abort, l.abort)
}

// Wait blocks until both watchers returned, which happens once ctx is done or a request fired.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// ShutdownRequested is closed once a shutdown request was observed.
func (l *Listener) ShutdownRequested() <-chan struct{} {
	return l.shutdownCh
}

// Aborted is closed once an abort request was observed and handled.
func (l *Listener) Aborted() <-chan struct{} {
	return l.abortCh
}

func (l *Listener) watch(ctx context.Context, req Request, ch Channel) {
	defer l.wg.Done()
	log := l.log.Named(req.String())

	f, err := fifo.OpenFifo(ctx, ch.Path, syscall.O_RDONLY, 0)
	if err != nil && ctx.Err() == nil && ch.Fallback != "" {
		log.Debugf("unable to open %s, trying fallback %s: %s", ch.Path, ch.Fallback, err)
		f, err = fifo.OpenFifo(ctx, ch.Fallback, syscall.O_RDONLY, 0)
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("unable to watch control pipe: %s", err)
		}
		return
	}
	log.Infof("%s requested", req)
	l.fire(req)

	// Whatever is written is ignored, but keep reading so the writer doesn't get EPIPE.
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()
	defer f.Close()
	_, _ = io.Copy(io.Discard, f)
}

func (l *Listener) fire(req Request) {
	switch req {
	case Shutdown:
		l.shutdownOnce.Do(func() { close(l.shutdownCh) })
	case Abort:
		l.abortOnce.Do(func() {
			if l.onAbort != nil {
				l.onAbort()
			}
			close(l.abortCh)
		})
	}
}
