package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/repeatexec/control"
	"github.com/guseggert/repeatexec/pipes"
	"github.com/guseggert/repeatexec/runner"
	"github.com/guseggert/repeatexec/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitStartup = 1
	exitAborted = 2
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "repeatexec",
		Usage: "run commands read from stdin one at a time under a tracer, reporting one status byte each",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML file with defaults for every other setting.",
				EnvVars: []string{"REPEATEXEC_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "version",
				Usage: "Print version and configuration, then exit.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level, logs go to stderr.",
				Value:   "info",
				EnvVars: []string{"REPEATEXEC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "pipe-dir",
				Usage:   "Directory holding the stdin, stdout, stderr, shutdown and abort FIFOs.",
				Value:   PipeDir,
				EnvVars: []string{"REPEATEXEC_PIPE_DIR"},
			},
			&cli.StringFlag{Name: "stdin-pipe", Usage: "Path of the stdin FIFO."},
			&cli.StringFlag{Name: "stdout-pipe", Usage: "Path of the stdout FIFO."},
			&cli.StringFlag{Name: "stderr-pipe", Usage: "Path of the stderr FIFO."},
			&cli.StringFlag{Name: "shutdown-pipe", Usage: "Path of the shutdown FIFO."},
			&cli.StringFlag{Name: "abort-pipe", Usage: "Path of the abort FIFO."},
			&cli.StringFlag{Name: "fallback-shutdown-pipe", Usage: "Shutdown FIFO to use if the primary one can't be opened."},
			&cli.StringFlag{Name: "fallback-abort-pipe", Usage: "Abort FIFO to use if the primary one can't be opened."},
			&cli.StringFlag{
				Name:    "runner-path",
				Usage:   "Prefix of the runner binaries.",
				Value:   RunnerPath,
				EnvVars: []string{"REPEATEXEC_RUNNER_PATH"},
			},
			&cli.StringFlag{
				Name:    "runner",
				Usage:   "Primary runner.",
				Value:   PrimaryRunner,
				EnvVars: []string{"REPEATEXEC_RUNNER"},
			},
			&cli.StringFlag{
				Name:    "fallback-runner",
				Usage:   "Runner tried when the primary one can't be started.",
				Value:   FallbackRunner,
				EnvVars: []string{"REPEATEXEC_FALLBACK_RUNNER"},
			},
			&cli.BoolFlag{
				Name:    "direct",
				Usage:   "Run commands without any runner.",
				EnvVars: []string{"REPEATEXEC_DIRECT"},
			},
			&cli.StringFlag{
				Name:  "trace",
				Usage: "Default trace expression, used when a descriptor has none.",
				Value: RunnerTraceExpression,
			},
			&cli.StringFlag{
				Name:  "separator",
				Usage: "Argument placed between the runner's flags and the program, e.g. \"--\".",
				Value: RunnerSeparator,
			},
			&cli.StringFlag{
				Name:    "drain-grace",
				Usage:   "How long output may still be relayed after a child exited.",
				Value:   "2s",
				EnvVars: []string{"REPEATEXEC_DRAIN_GRACE"},
			},
			&cli.UintFlag{Name: "uid", Usage: "User to run commands as."},
			&cli.UintFlag{Name: "gid", Usage: "Group to run commands as."},
			&cli.UintFlag{Name: "uid-max", Usage: "Run every command as a new user, counting up from --uid to this uid."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), exitStartup)
			}
			if c.Bool("version") {
				return printVersion(c.App.Writer, cfg)
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return cli.Exit(fmt.Sprintf("building logger: %s", err), exitStartup)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, os.Stdin, os.Stdout, logger.Sugar())
		},
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// run supervises descriptors read from in until in ends, a shutdown is requested or an abort
// happens. A signal on ctx is treated as an abort.
func run(ctx context.Context, cfg config, in io.Reader, status io.Writer, log *zap.SugaredLogger) error {
	if err := cfg.Pipes.Verify(); err != nil {
		return cli.Exit(fmt.Sprintf("verifying pipes: %s", err), exitStartup)
	}
	resolver, err := runner.NewResolver(cfg.Runner, log.Named("runner"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuring runner: %s", err), exitStartup)
	}
	bridge := pipes.NewBridge(cfg.Pipes, cfg.DrainGrace.Duration, log)
	sup := supervisor.New(resolver, bridge, status, supervisor.WithLogger(log.Named("supervisor")))

	stopAbortOnSignal := context.AfterFunc(ctx, sup.Abort)
	defer stopAbortOnSignal()

	listenCtx, cancel := context.WithCancel(context.Background())
	listener := control.NewListener(
		control.Channel{Path: cfg.Pipes.Shutdown, Fallback: cfg.Pipes.FallbackShutdown},
		control.Channel{Path: cfg.Pipes.Abort, Fallback: cfg.Pipes.FallbackAbort},
		sup.Abort,
		log.Named("control"),
	)
	listener.Start(listenCtx)
	defer func() {
		cancel()
		listener.Wait()
	}()

	log.Infow("supervisor ready", "Version", Version, "Runners", cfg.Runner.Runners(), "Pipes", cfg.PipeDir)
	loop := supervisor.NewLoop(sup, in, listener.ShutdownRequested(), listener.Aborted(), log.Named("loop"))
	err = loop.Run(ctx)
	if errors.Is(err, supervisor.ErrAborted) || ctx.Err() != nil {
		sup.Abort()
		return cli.Exit("aborted", exitAborted)
	}
	if err != nil {
		return err
	}
	log.Info("shutting down")
	return nil
}

func printVersion(w io.Writer, cfg config) error {
	fmt.Fprintf(w, "%s\nconfigured with:\n", Version)
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Fprintf(w, "\nconfigured runners:\n")
	for _, r := range cfg.Runner.Runners() {
		fmt.Fprintln(w, r)
	}
	return nil
}
