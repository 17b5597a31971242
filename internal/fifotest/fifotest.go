// Package fifotest creates FIFOs for tests and talks to them from the far end.
package fifotest

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/repeatexec/pipes"
	"golang.org/x/sys/unix"
)

// Timeout bounds every blocking open done by the helpers.
const Timeout = 10 * time.Second

// NewSet creates all five FIFOs of a pipes.Set in a fresh temp dir.
func NewSet(t *testing.T) pipes.Set {
	t.Helper()
	dir := t.TempDir()
	set := pipes.InDir(dir)
	for _, p := range []string{set.Stdin, set.Stdout, set.Stderr, set.Shutdown, set.Abort} {
		Mkfifo(t, p)
	}
	return set
}

func Mkfifo(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating dir for %s: %s", path, err)
	}
	if err := unix.Mkfifo(path, 0660); err != nil {
		t.Fatalf("mkfifo %s: %s", path, err)
	}
}

// Touch opens path for writing and closes it again, which is how control requests are sent.
// It runs in the background and reports a failure if no reader shows up in time.
func Touch(t *testing.T, path string) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f, err := openTimeout(path, os.O_WRONLY)
		if err != nil {
			t.Errorf("opening %s for writing: %s", path, err)
			return
		}
		f.Close()
	}()
	return done
}

// ReadAll opens path for reading in the background and returns everything read until EOF.
func ReadAll(t *testing.T, path string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		f, err := openTimeout(path, os.O_RDONLY)
		if err != nil {
			t.Errorf("opening %s for reading: %s", path, err)
			return
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			t.Errorf("reading %s: %s", path, err)
		}
		ch <- b
	}()
	return ch
}

// WriteAll opens path for writing in the background, writes b and closes the FIFO.
func WriteAll(t *testing.T, path string, b []byte) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f, err := openTimeout(path, os.O_WRONLY)
		if err != nil {
			t.Errorf("opening %s for writing: %s", path, err)
			return
		}
		defer f.Close()
		if _, err := f.Write(b); err != nil {
			t.Errorf("writing %s: %s", path, err)
		}
	}()
	return done
}

// openTimeout opens a FIFO, giving up after Timeout. On timeout the pending open is
// released by opening the other end ourselves.
func openTimeout(path string, flag int) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(Timeout):
		other := os.O_RDONLY
		if flag == os.O_RDONLY {
			other = os.O_WRONLY
		}
		fd, err := unix.Open(path, other|unix.O_NONBLOCK, 0)
		if err == nil {
			defer unix.Close(fd)
		}
		if r := <-ch; r.f != nil {
			r.f.Close()
		}
		return nil, os.ErrDeadlineExceeded
	}
}

// Wait fails the test if ch doesn't yield within Timeout.
func Wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(Timeout):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}
