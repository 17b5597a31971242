package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/repeatexec/pipes"
	"github.com/guseggert/repeatexec/runner"
	"github.com/urfave/cli/v2"
)

// Build-time defaults, overridable with -ldflags "-X main.Name=value".
var (
	Version = "unknown"

	RunnerPath            = "/usr/bin/"
	PrimaryRunner         = "strace+"
	FallbackRunner        = "strace"
	RunnerAdditionalFlag  = "-f"
	RunnerConfigFlag      = "-e"
	RunnerConfigPrefix    = "trace="
	RunnerTraceExpression = "all"
	RunnerEnvironmentFlag = "-E"
	RunnerMemoryFlag      = "-O"
	RunnerSeparator       = ""

	PipeDir              = "/pipes"
	FallbackShutdownPipe = ""
	FallbackAbortPipe    = ""
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// config is everything the supervisor needs, resolved from build-time defaults, an optional
// TOML file and the command line, in increasing order of precedence.
type config struct {
	LogLevel   string   `toml:"log_level"`
	DrainGrace duration `toml:"drain_grace"`
	// PipeDir supplies the conventional pipe names for every pipe not set explicitly.
	PipeDir string        `toml:"pipe_dir"`
	Pipes   pipes.Set     `toml:"pipes"`
	Runner  runner.Config `toml:"runner"`
}

func defaultConfig() config {
	return config{
		LogLevel:   "info",
		DrainGrace: duration{2 * time.Second},
		PipeDir:    PipeDir,
		Pipes: pipes.Set{
			FallbackShutdown: FallbackShutdownPipe,
			FallbackAbort:    FallbackAbortPipe,
		},
		Runner: runner.Config{
			Path:            RunnerPath,
			Primary:         PrimaryRunner,
			Fallback:        FallbackRunner,
			AdditionalFlag:  RunnerAdditionalFlag,
			ConfigFlag:      RunnerConfigFlag,
			ConfigPrefix:    RunnerConfigPrefix,
			TraceExpression: RunnerTraceExpression,
			EnvironmentFlag: RunnerEnvironmentFlag,
			MemoryFlag:      RunnerMemoryFlag,
			Separator:       RunnerSeparator,
		},
	}
}

func loadConfig(c *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown keys in config file %s: %v", path, undecoded)
		}
	}

	strs := []struct {
		flag string
		dst  *string
	}{
		{"log-level", &cfg.LogLevel},
		{"pipe-dir", &cfg.PipeDir},
		{"stdin-pipe", &cfg.Pipes.Stdin},
		{"stdout-pipe", &cfg.Pipes.Stdout},
		{"stderr-pipe", &cfg.Pipes.Stderr},
		{"shutdown-pipe", &cfg.Pipes.Shutdown},
		{"abort-pipe", &cfg.Pipes.Abort},
		{"fallback-shutdown-pipe", &cfg.Pipes.FallbackShutdown},
		{"fallback-abort-pipe", &cfg.Pipes.FallbackAbort},
		{"runner-path", &cfg.Runner.Path},
		{"runner", &cfg.Runner.Primary},
		{"fallback-runner", &cfg.Runner.Fallback},
		{"trace", &cfg.Runner.TraceExpression},
		{"separator", &cfg.Runner.Separator},
	}
	for _, s := range strs {
		if c.IsSet(s.flag) {
			*s.dst = c.String(s.flag)
		}
	}

	if c.Bool("direct") {
		cfg.Runner.Primary = ""
		cfg.Runner.Fallback = ""
	}

	if c.IsSet("drain-grace") {
		if err := cfg.DrainGrace.UnmarshalText([]byte(c.String("drain-grace"))); err != nil {
			return cfg, fmt.Errorf("parsing drain grace: %w", err)
		}
	}
	if cfg.DrainGrace.Duration < 0 {
		return cfg, fmt.Errorf("negative drain grace %s", cfg.DrainGrace)
	}

	if c.IsSet("uid") || c.IsSet("gid") || c.IsSet("uid-max") {
		if cfg.Runner.Credential == nil {
			if !c.IsSet("uid") || !c.IsSet("gid") {
				if c.IsSet("uid-max") && !c.IsSet("uid") {
					return cfg, fmt.Errorf("--uid-max needs a starting --uid")
				}
				return cfg, fmt.Errorf("--uid and --gid must be given together")
			}
			cfg.Runner.Credential = &runner.Credential{}
		}
		if c.IsSet("uid") {
			cfg.Runner.Credential.UID = uint32(c.Uint("uid"))
		}
		if c.IsSet("gid") {
			cfg.Runner.Credential.GID = uint32(c.Uint("gid"))
		}
		if c.IsSet("uid-max") {
			cfg.Runner.Credential.MaxUID = uint32(c.Uint("uid-max"))
		}
	}

	cfg.resolvePipes()
	return cfg, nil
}

func (c *config) resolvePipes() {
	base := pipes.InDir(c.PipeDir)
	for _, p := range []struct {
		dst *string
		def string
	}{
		{&c.Pipes.Stdin, base.Stdin},
		{&c.Pipes.Stdout, base.Stdout},
		{&c.Pipes.Stderr, base.Stderr},
		{&c.Pipes.Shutdown, base.Shutdown},
		{&c.Pipes.Abort, base.Abort},
	} {
		if *p.dst == "" {
			*p.dst = p.def
		}
	}
}
