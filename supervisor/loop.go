package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/repeatexec/descriptor"
	"go.uber.org/zap"
)

// Loop reads descriptors line by line and dispatches them strictly one after another.
// A line is only read once the previous Execution has been reported.
type Loop struct {
	sup *Supervisor
	in  io.Reader
	log *zap.SugaredLogger

	shutdown <-chan struct{}
	aborted  <-chan struct{}
}

// NewLoop builds a loop reading from in. shutdown and aborted are typically the channels of a
// control.Listener; either may be nil.
func NewLoop(sup *Supervisor, in io.Reader, shutdown, aborted <-chan struct{}, log *zap.SugaredLogger) *Loop {
	return &Loop{
		sup:      sup,
		in:       in,
		log:      log,
		shutdown: shutdown,
		aborted:  aborted,
	}
}

type lineResult struct {
	line []byte
	err  error
}

// Run returns nil when the input ends or a shutdown was requested, and ErrAborted after an abort.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requests := make(chan struct{}, 1)
	results := make(chan lineResult)
	defer close(requests)
	go l.read(ctx, requests, results)

	pending := false
	for {
		// a shutdown or abort seen between executions wins over any line already waiting
		select {
		case <-l.shutdown:
			l.log.Info("shutdown requested, not accepting more descriptors")
			return nil
		case <-l.aborted:
			return ErrAborted
		default:
		}
		if l.sup.Aborted() {
			return ErrAborted
		}

		if !pending {
			requests <- struct{}{}
			pending = true
		}

		var res lineResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.shutdown:
			l.log.Info("shutdown requested while idle")
			return nil
		case <-l.aborted:
			return ErrAborted
		case res = <-results:
			pending = false
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				if !descriptor.IsBlank(res.line) {
					l.log.Warnf("ignoring unterminated last line %q", res.line)
				}
				l.log.Info("end of descriptor stream")
				return nil
			}
			return fmt.Errorf("reading descriptors: %w", res.err)
		}
		if descriptor.IsBlank(res.line) {
			continue
		}
		if err := l.dispatch(ctx, res.line); err != nil {
			return err
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, line []byte) error {
	d, err := descriptor.Parse(line)
	if err != nil {
		l.log.Warnf("skipping descriptor: %s", err)
		return l.sup.ReportStatus(StatusMalformed)
	}
	l.log.Debugw("dispatching", "Path", d.Path, "Args", d.Args)
	e := l.sup.Execute(ctx, d)
	return l.sup.Report(e)
}

// read reads one line per request, so nothing is consumed from the input ahead of time.
func (l *Loop) read(ctx context.Context, requests <-chan struct{}, results chan<- lineResult) {
	br := bufio.NewReader(l.in)
	for range requests {
		line, err := br.ReadBytes('\n')
		select {
		case results <- lineResult{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
