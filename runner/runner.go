// Package runner resolves the argument vector that wraps a command in a diagnostic tracer,
// and starts it with a fallback to a second tracer variant.
package runner

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/guseggert/repeatexec/descriptor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrRunnerUnavailable is returned when no tracer candidate could be started.
var ErrRunnerUnavailable = errors.New("runner unavailable")

// ErrStartFailed is returned in direct mode, when the program itself could not be started.
var ErrStartFailed = errors.New("start failed")

// Config is the process-wide runner configuration. It is set once at startup and never changed.
type Config struct {
	// Path is prepended to the runner names, e.g. "/usr/bin/".
	Path     string `toml:"path"`
	Primary  string `toml:"primary"`
	Fallback string `toml:"fallback"`

	// AdditionalFlag is passed to the runner on every invocation.
	AdditionalFlag string `toml:"additional_flag"`
	ConfigFlag     string `toml:"config_flag"`
	ConfigPrefix   string `toml:"config_prefix"`
	// TraceExpression is appended to ConfigPrefix unless a descriptor brings its own.
	TraceExpression string `toml:"trace_expression"`

	EnvironmentFlag string `toml:"environment_flag"`
	MemoryFlag      string `toml:"memory_flag"`
	// Separator, if set, is placed between the runner's flags and the traced program.
	Separator string `toml:"separator"`

	// Credential, if set, is the user and group the runner is started as.
	Credential *Credential `toml:"credential,omitempty"`
}

type Credential struct {
	UID uint32 `toml:"uid"`
	GID uint32 `toml:"gid"`
	// MaxUID, if set, makes every Execution run as its own user: UID for the first, UID+1 for
	// the next, up to and including MaxUID.
	MaxUID uint32 `toml:"max_uid,omitempty"`
}

// Rotating reports whether executions get distinct uids.
func (c Credential) Rotating() bool {
	return c.MaxUID != 0
}

// Nth returns the credential for the n-th Execution, counting from zero.
// ok is false once a rotating range is used up.
func (c Credential) Nth(n uint32) (cred Credential, ok bool) {
	if !c.Rotating() {
		return c, true
	}
	if n > c.MaxUID-c.UID {
		return Credential{}, false
	}
	return Credential{UID: c.UID + n, GID: c.GID}, true
}

// Direct reports whether commands are run without any tracer.
func (c Config) Direct() bool {
	return c.Primary == ""
}

// Validate checks the config once at startup; a Resolver never sees an invalid one.
func (c Config) Validate() error {
	if c.Primary == "" && c.Fallback != "" {
		return fmt.Errorf("fallback runner %q configured without a primary runner", c.Fallback)
	}
	if c.TraceExpression != "" && !descriptor.IsTraceExpression(c.TraceExpression) {
		return fmt.Errorf("invalid trace expression %q", c.TraceExpression)
	}
	if c.Credential != nil && c.Credential.Rotating() && c.Credential.MaxUID < c.Credential.UID {
		return fmt.Errorf("max uid %d is below the starting uid %d", c.Credential.MaxUID, c.Credential.UID)
	}
	for _, name := range []string{c.Primary, c.Fallback} {
		if strings.ContainsRune(name, 0) {
			return fmt.Errorf("invalid runner name %q", name)
		}
	}
	return nil
}

// Runners returns the full paths of the configured runners in the order they are tried.
func (c Config) Runners() []string {
	var runners []string
	for _, name := range []string{c.Primary, c.Fallback} {
		if name != "" {
			runners = append(runners, c.Path+name)
		}
	}
	return runners
}

// Invocation is the concrete argument vector executed for one descriptor.
type Invocation struct {
	// Runner is the runner's full path, empty in direct mode.
	Runner   string
	Fallback bool
	Argv     []string
}

func (i Invocation) String() string {
	return strings.Join(i.Argv, " ")
}

type Resolver struct {
	cfg Config
	log *zap.SugaredLogger
}

// NewResolver validates the config and returns a resolver bound to it.
func NewResolver(cfg Config, log *zap.SugaredLogger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, log: log}, nil
}

func (r *Resolver) Config() Config {
	return r.cfg
}

// Candidates returns the invocations to try for d, primary first.
func (r *Resolver) Candidates(d descriptor.Descriptor) []Invocation {
	if r.cfg.Direct() {
		return []Invocation{{Argv: d.Argv()}}
	}
	runners := r.cfg.Runners()
	invs := make([]Invocation, 0, len(runners))
	for i, runner := range runners {
		invs = append(invs, Invocation{
			Runner:   runner,
			Fallback: i > 0,
			Argv:     r.argv(runner, d),
		})
	}
	return invs
}

func (r *Resolver) argv(runner string, d descriptor.Descriptor) []string {
	argv := []string{runner}
	if r.cfg.AdditionalFlag != "" {
		argv = append(argv, r.cfg.AdditionalFlag)
	}
	expr := r.cfg.TraceExpression
	if d.Trace != "" {
		expr = d.Trace
	}
	if expr != "" && r.cfg.ConfigFlag != "" {
		argv = append(argv, r.cfg.ConfigFlag, r.cfg.ConfigPrefix+expr)
	}
	if d.Memory > 0 && r.cfg.MemoryFlag != "" {
		argv = append(argv, r.cfg.MemoryFlag, strconv.FormatInt(d.Memory, 10))
	}
	if r.cfg.EnvironmentFlag != "" {
		for _, kv := range descriptor.SortedPairs(d.RunnerEnv) {
			argv = append(argv, r.cfg.EnvironmentFlag, kv)
		}
	}
	if r.cfg.Separator != "" {
		argv = append(argv, r.cfg.Separator)
	}
	return append(argv, d.Argv()...)
}

// Start creates a process for the first candidate that can be started.
// newCmd is called once per attempt, since an exec.Cmd can't be reused after a failed Start.
// Only failures to create the process lead to the fallback; what the traced program does afterwards doesn't matter here.
// A program that can't be executed at all fails with ErrStartFailed before any runner is tried,
// so that it is never reported with the runner's own exit code.
func (r *Resolver) Start(d descriptor.Descriptor, newCmd func(Invocation) *exec.Cmd) (*exec.Cmd, Invocation, error) {
	if _, err := exec.LookPath(d.Path); err != nil {
		return nil, Invocation{}, fmt.Errorf("%w: %s", ErrStartFailed, err)
	}
	var errs error
	for _, inv := range r.Candidates(d) {
		cmd := newCmd(inv)
		err := cmd.Start()
		if err == nil {
			return cmd, inv, nil
		}
		r.log.Debugf("unable to start %q: %s", inv.Argv[0], err)
		errs = multierr.Append(errs, err)
	}
	if r.cfg.Direct() {
		return nil, Invocation{}, fmt.Errorf("%w: %v", ErrStartFailed, errs)
	}
	return nil, Invocation{}, fmt.Errorf("%w: %v", ErrRunnerUnavailable, errs)
}
