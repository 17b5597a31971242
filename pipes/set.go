package pipes

import (
	"fmt"
	"path/filepath"

	"github.com/containerd/fifo"
)

// Set is the five FIFO paths used by the supervisor.
type Set struct {
	Stdin  string `toml:"stdin"`
	Stdout string `toml:"stdout"`
	Stderr string `toml:"stderr"`

	Shutdown string `toml:"shutdown"`
	Abort    string `toml:"abort"`

	// FallbackShutdown and FallbackAbort are tried when the primary control FIFO can't be opened.
	FallbackShutdown string `toml:"fallback_shutdown"`
	FallbackAbort    string `toml:"fallback_abort"`
}

// InDir returns a Set with the conventional names inside dir.
func InDir(dir string) Set {
	return Set{
		Stdin:    filepath.Join(dir, "stdin"),
		Stdout:   filepath.Join(dir, "stdout"),
		Stderr:   filepath.Join(dir, "stderr"),
		Shutdown: filepath.Join(dir, "shutdown"),
		Abort:    filepath.Join(dir, "abort"),
	}
}

// Verify checks that every path in the set exists and is a FIFO.
// A control channel is satisfied by either its primary or its fallback path.
func (s Set) Verify() error {
	for _, p := range []struct{ name, path string }{
		{"stdin", s.Stdin},
		{"stdout", s.Stdout},
		{"stderr", s.Stderr},
	} {
		if err := checkFifo(p.path); err != nil {
			return fmt.Errorf("%s pipe: %w", p.name, err)
		}
	}
	for _, p := range []struct{ name, path, fallback string }{
		{"shutdown", s.Shutdown, s.FallbackShutdown},
		{"abort", s.Abort, s.FallbackAbort},
	} {
		err := checkFifo(p.path)
		if err != nil && p.fallback != "" {
			err = checkFifo(p.fallback)
		}
		if err != nil {
			return fmt.Errorf("%s pipe: %w", p.name, err)
		}
	}
	return nil
}

func checkFifo(path string) error {
	if path == "" {
		return fmt.Errorf("no path configured")
	}
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a FIFO", path)
	}
	return nil
}
