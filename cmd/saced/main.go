package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sacexec/sace/agent"
	"github.com/sacexec/sace/config"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/launcher"
	"github.com/sacexec/sace/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "saced",
		Usage: "runs commands and supervises services on behalf of local clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. It is watched for changes to boot services.",
				EnvVars: []string{"SACED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "The unix socket to listen on.",
				Value:   config.DefaultSocket,
				EnvVars: []string{"SACED_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "socket-mode",
				Usage:   "File mode of the socket (octal). Anyone who can connect can run commands.",
				Value:   config.DefaultSocketMode,
				EnvVars: []string{"SACED_SOCKET_MODE"},
			},
			&cli.StringFlag{
				Name:    "pid-file",
				Usage:   "Write the daemon's pid to this file.",
				EnvVars: []string{"SACED_PID_FILE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   config.DefaultLogLevel,
				EnvVars: []string{"SACED_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:    "stop-timeout",
				Usage:   "How long a stopping service gets between SIGTERM and SIGKILL.",
				Value:   config.DefaultStopTimeout,
				EnvVars: []string{"SACED_STOP_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "shell",
				Usage:   "Run commands through '<shell> -c' instead of splitting them into arguments.",
				EnvVars: []string{"SACED_SHELL"},
			},
			&cli.StringFlag{
				Name:    "service-output",
				Usage:   "What to do with service stdout and stderr. One of [discard,log].",
				Value:   config.OutputDiscard,
				EnvVars: []string{"SACED_SERVICE_OUTPUT"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, if any, and lets flags override it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	overrideFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideFlags(c *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		"socket":         &cfg.Socket,
		"socket-mode":    &cfg.SocketMode,
		"pid-file":       &cfg.PidFile,
		"log-level":      &cfg.LogLevel,
		"shell":          &cfg.Shell,
		"service-output": &cfg.ServiceOutput,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("stop-timeout") {
		cfg.StopTimeout = c.Duration("stop-timeout")
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func writePidFile(path string) error {
	return renameio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	supervisorOpts := []service.Option{service.WithStopTimeout(cfg.StopTimeout)}
	if cfg.ServiceOutput == config.OutputLog {
		supervisorOpts = append(supervisorOpts, service.WithOutput(service.LogOutput(logger)))
	}
	var launcherOpts []launcher.Option
	if cfg.Shell != "" {
		launcherOpts = append(launcherOpts, launcher.WithShell(cfg.Shell))
	}
	exec := executor.New(
		executor.WithLogger(sugar),
		executor.WithLauncherOptions(launcherOpts...),
		executor.WithSupervisorOptions(supervisorOpts...),
	)

	srv := agent.NewServer(executor.NewTable(exec),
		agent.WithLogger(sugar),
		agent.WithSocket(cfg.Socket),
		agent.WithSocketMode(mode),
	)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// teardown stops services even if startup fails part way
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			sugar.Errorw("error stopping server", "Error", err)
		}
		if err := exec.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("error shutting down executor", "Error", err)
		}
		if cfg.PidFile != "" {
			if err := os.Remove(cfg.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				sugar.Warnw("error removing pid file", "Error", err)
			}
		}
		sugar.Info("stopped")
	}()

	if err := srv.Listen(); err != nil {
		return err
	}
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
	}

	if err := config.Apply(sugar, exec, nil, cfg); err != nil {
		// a broken boot service does not keep the daemon down
		sugar.Errorw("some boot services failed to start", "Error", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	var events <-chan config.Event
	if path := c.String("config"); path != "" {
		ch, cleanup, err := config.Watch(ctx, path, config.DefaultDebounce)
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer func() {
			if err := cleanup(); err != nil {
				sugar.Debugf("error stopping config watcher: %s", err)
			}
		}()
		events = ch
	}

	sugar.Infow("running", "Pid", os.Getpid(), "Services", len(cfg.Services))
	for {
		select {
		case <-ctx.Done():
			sugar.Info("received signal, shutting down")
			return nil
		case err := <-serveErr:
			return err
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Err != nil {
				sugar.Warnw("ignoring config change", "Error", ev.Err)
				continue
			}
			sugar.Infow("config changed, reconciling boot services", "Services", len(ev.Config.Services))
			if err := config.Apply(sugar, exec, cfg, ev.Config); err != nil {
				sugar.Errorw("some boot services failed to start", "Error", err)
			}
			// only the service list is reloaded; other settings need a restart
			cfg.Services = ev.Config.Services
		}
	}
}
