package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrMalformed is returned for lines that can't be turned into a Descriptor.
var ErrMalformed = errors.New("malformed descriptor")

// Descriptor is a single command to execute. It is consumed exactly once and never mutated.
type Descriptor struct {
	Path string            `json:"path"`
	Args []string          `json:"args"`
	Env  map[string]string `json:"env,omitempty"`

	// Trace overrides the runner's default trace expression for this command.
	Trace string `json:"trace,omitempty"`
	// RunnerEnv is passed to the tracer through its environment flag.
	RunnerEnv map[string]string `json:"runner_env,omitempty"`
	// Memory is a resource limit handed to the tracer, ignored when zero.
	Memory int64 `json:"memory,omitempty"`
}

// IsBlank reports whether a line carries no descriptor at all.
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

// Parse decodes and validates one line.
func Parse(line []byte) (Descriptor, error) {
	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: decoding JSON: %s", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Descriptor{}, fmt.Errorf("%w: trailing data after JSON object", ErrMalformed)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate reports the first problem that makes d impossible to run, wrapped in ErrMalformed.
func (d Descriptor) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("%w: empty path", ErrMalformed)
	}
	if d.Trace != "" && !IsTraceExpression(d.Trace) {
		return fmt.Errorf("%w: trace expression %q may only contain letters, digits, '-' and '_'", ErrMalformed, d.Trace)
	}
	if d.Memory < 0 {
		return fmt.Errorf("%w: negative memory limit %d", ErrMalformed, d.Memory)
	}
	for k := range d.Env {
		if !validEnvKey(k) {
			return fmt.Errorf("%w: invalid env key %q", ErrMalformed, k)
		}
	}
	for k := range d.RunnerEnv {
		if !validEnvKey(k) {
			return fmt.Errorf("%w: invalid runner_env key %q", ErrMalformed, k)
		}
	}
	return nil
}

// Argv returns the program path followed by its arguments.
func (d Descriptor) Argv() []string {
	argv := make([]string, 0, len(d.Args)+1)
	argv = append(argv, d.Path)
	return append(argv, d.Args...)
}

// Environ returns the supervisor's environment with the descriptor's overrides applied.
// It returns nil when there are no overrides, which makes exec inherit the environment unchanged.
func (d Descriptor) Environ() []string {
	if len(d.Env) == 0 {
		return nil
	}
	return append(os.Environ(), SortedPairs(d.Env)...)
}

// SortedPairs renders a map as KEY=VALUE strings ordered by key.
func SortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return pairs
}

// IsTraceExpression reports whether s is non-empty and made only of letters, digits, dashes and underscores.
func IsTraceExpression(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func validEnvKey(k string) bool {
	return k != "" && !bytes.ContainsAny([]byte(k), "=\x00")
}
