// SPDX-License-Identifier: MIT

// Command playerd is the control-plane daemon: it loads configuration,
// wires the event loop, the control socket listener, the playlist and
// playback state machine, and the supervised player worker link, then
// blocks serving readiness events until a signal requests shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/playerd-go/internal/config"
	"github.com/tomtom215/playerd-go/internal/control"
	"github.com/tomtom215/playerd-go/internal/eventloop"
	"github.com/tomtom215/playerd-go/internal/health"
	"github.com/tomtom215/playerd-go/internal/lock"
	"github.com/tomtom215/playerd-go/internal/playback"
	"github.com/tomtom215/playerd-go/internal/playlist"
	"github.com/tomtom215/playerd-go/internal/supervisor"
	"github.com/tomtom215/playerd-go/internal/util"
	"github.com/tomtom215/playerd-go/internal/worker"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	if *dumpConfig {
		if err := dump(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "playerd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "playerd: %v\n", err)
		os.Exit(1)
	}
}

// dump loads the layered configuration and prints it, so operators can see
// what the file plus environment overrides actually resolve to.
func dump(configPath string) error {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := cfg.DumpYAML()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// run is the daemon's body, extracted from main for testability: no flag
// parsing or os.Exit below this point.
func run(configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting playerd", "version", Version, "commit", GitCommit, "built", BuildDate, "config", configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cancel, cfg, logger)
}

// serve builds the daemon's components and runs the event loop until ctx
// is cancelled. cancel is invoked on a fatal event loop error so a local
// failure shuts the daemon down the same way an external signal would.
func serve(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *slog.Logger) error {
	if cfg.LockPath != "" {
		fl, err := lock.New(cfg.LockPath)
		if err != nil {
			return fmt.Errorf("create instance lock: %w", err)
		}
		if err := fl.Acquire(ctx, 5*time.Second); err != nil {
			return fmt.Errorf("another playerd instance holds %s: %w", cfg.LockPath, err)
		}
		defer fl.Close()
	}

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	list := playlist.New(cfg.Playlist.CapacityHint)

	maxAttempts := cfg.Worker.RestartMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1 << 30 // 0 in config means unlimited restarts
	}
	backoff := worker.NewBackoff(cfg.Worker.RestartMin, cfg.Worker.RestartMax, maxAttempts)
	w := worker.New(cfg.Worker.BinaryPath, cfg.Worker.MusicDir, backoff, logger.With("component", "worker"))

	machine := playback.New(list, w, logger.With("component", "playback"))
	dispatcher := control.NewDispatcher(list, machine, cfg.Playlist.CapacityHint, logger.With("component", "dispatcher"))

	listener, err := control.NewListener(loop, cfg.Control.SocketPath, cfg.Control.Backlog, cfg.Control.AcceptBackoff, cfg.Control.MaxFramePayload, dispatcher, logger.With("component", "control"))
	if err != nil {
		return fmt.Errorf("create control listener: %w", err)
	}
	defer listener.Close()

	if cfg.Control.SocketGID >= 0 {
		if err := os.Chown(cfg.Control.SocketPath, -1, cfg.Control.SocketGID); err != nil {
			logger.Warn("failed to chown control socket", "gid", cfg.Control.SocketGID, "err", err)
		}
	}

	bridge, err := control.NewWorkerBridge(loop, dispatcher, w.Events())
	if err != nil {
		return fmt.Errorf("create worker bridge: %w", err)
	}
	defer bridge.Close()

	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 10 * time.Second})
	if err := sup.Add(w); err != nil {
		return fmt.Errorf("register player worker: %w", err)
	}

	supDone := make(chan error, 1)
	util.SafeGoErr("player-worker-supervisor", logger, func() error {
		return sup.Run(ctx)
	}, supDone)

	if cfg.HealthAddr != "" {
		provider := &statusProvider{machine: machine, list: list, sup: sup}
		healthDone := make(chan error, 1)
		util.SafeGoErr("health-server", logger, func() error {
			return health.ListenAndServe(ctx, cfg.HealthAddr, health.NewHandler(provider))
		}, healthDone)
		go func() {
			if err := <-healthDone; err != nil {
				logger.Error("health server exited with error", "err", err)
			}
		}()
		logger.Info("health server listening", "addr", cfg.HealthAddr)
	}

	logger.Info("playerd ready", "socket", cfg.Control.SocketPath)

	for ctx.Err() == nil {
		if err := loop.RunOnce(time.Second); err != nil {
			logger.Error("event loop iteration failed", "err", err)
			cancel()
			break
		}
	}

	logger.Info("shutting down")
	if err := <-supDone; err != nil {
		logger.Error("supervisor exited with error", "err", err)
	}
	return nil
}

// newLogger builds the daemon's structured logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// statusProvider adapts the live playback machine, playlist, and
// supervisor into health.StatusProvider.
type statusProvider struct {
	machine *playback.Machine
	list    *playlist.Playlist
	sup     *supervisor.Supervisor
}

func (p *statusProvider) Playback() health.PlaybackInfo {
	track, hasCursor := p.list.Current()
	mode := p.machine.Mode()
	return health.PlaybackInfo{
		State:        p.machine.State().String(),
		HasTrack:     hasCursor,
		CurrentTrack: track.Path,
		RepeatOne:    mode.RepeatOne,
		RepeatAll:    mode.RepeatAll,
		Consume:      mode.Consume,
	}
}

func (p *statusProvider) Worker() health.WorkerInfo {
	for _, st := range p.sup.Status() {
		if st.Name != "player-worker" {
			continue
		}
		info := health.WorkerInfo{
			Running:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		}
		if st.LastError != nil {
			info.LastError = st.LastError.Error()
		}
		return info
	}
	return health.WorkerInfo{}
}
