package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/config"
	"codeberg.org/mutker/battmon/internal/device"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/metrics"
	"codeberg.org/mutker/battmon/internal/pid"
	"codeberg.org/mutker/battmon/internal/scheduler"
	"codeberg.org/mutker/battmon/internal/usbmux"
	"github.com/spf13/pflag"
)

// commands are the one-shot operations. At most one may be given; with
// none the daemon runs.
type commands struct {
	once      bool
	list      bool
	trend     string
	summaries string
	method    string
	asJSON    bool
	export    string
	importing string
	backup    bool
	restore   string
}

func (c commands) count() int {
	n := 0
	for _, set := range []bool{
		c.once, c.list, c.trend != "", c.summaries != "",
		c.export != "", c.importing != "", c.backup, c.restore != "",
	} {
		if set {
			n++
		}
	}

	return n
}

func main() {
	fs := pflag.NewFlagSet("battmon", pflag.ContinueOnError)
	config.RegisterFlags(fs)

	var cmd commands
	fs.BoolVar(&cmd.once, "once", false, "Run a single acquisition cycle and exit")
	fs.BoolVar(&cmd.list, "list", false, "List known targets")
	fs.StringVar(&cmd.trend, "trend", "", "Project battery health of a target (\"host\" for this machine)")
	fs.StringVar(&cmd.summaries, "summaries", "", "Print monthly summaries of a target")
	fs.StringVar(&cmd.method, "method", "least-squares", "Trend fit: least-squares or theil-sen")
	fs.BoolVar(&cmd.asJSON, "json", false, "Print trend results as JSON")
	fs.StringVar(&cmd.export, "export", "", "Export the history to a file (- for stdout)")
	fs.StringVar(&cmd.importing, "import", "", "Import a history export (- for stdin)")
	fs.BoolVar(&cmd.backup, "backup", false, "Write a database backup and exit")
	fs.StringVar(&cmd.restore, "restore", "", "Replace the database with a backup")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(config.LogLevel(cfg.LogLevel).Level(), logger.IsService())
	logger.Debug().
		Str("file", cfg.ConfigFile).
		Msg("Config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case cmd.count() > 1:
		logger.Error().Msg("only one of --once, --list, --trend, --summaries, --export, --import, --backup and --restore may be given")
		os.Exit(2)
	case cmd.count() == 1:
		err = oneShot(ctx, cfg, cmd)
		if err != nil {
			logger.Error().Err(err).Msg("command failed")
			os.Exit(1)
		}
	default:
		if err := daemon(ctx, cfg); err != nil {
			logger.Error().Err(err).Msg("error in main loop")
			os.Exit(1)
		}
	}
}

// daemon runs acquisition cycles until a termination signal arrives.
func daemon(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()

	pidPath := cfg.PIDFile
	if pidPath == "" {
		pidPath = pid.DefaultPath()
	}
	if err := pid.Write(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(pidPath); err != nil {
			logger.Warn().Err(err).Msg("failed to remove PID file")
		}
	}()

	store, err := history.Open(ctx, cfg.History())
	if err != nil {
		return errFactory.Wrap(errors.ErrOpenStore, err)
	}
	defer store.Close()

	rec, err := metrics.NewService(cfg.Metrics())
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	sched, err := newScheduler(cfg, store, rec)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	if m := cfg.Metrics(); m.Enabled {
		go func() {
			if err := metrics.Serve(ctx, m.Addr); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	logger.Info().
		Str("db", cfg.DBPath).
		Str("host", sched.Host().String()).
		Int("interval", cfg.PollIntervalSeconds).
		Msg("Starting battery monitor")

	if err := sched.Run(ctx); err != nil {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}

	logger.Info().Msg("Exiting...")

	return nil
}

// newScheduler wires the backends in their fallback order. Every backend
// and the device manager share one Inflight tracker so shutdown can wait
// for abandoned calls.
func newScheduler(cfg *config.Config, store scheduler.Store, rec metrics.Recorder) (*scheduler.Scheduler, error) {
	runner := backend.ExecRunner()
	inflight := &backend.Inflight{}

	chain := backend.NewChain(inflight,
		backend.NewPowerSupply(""),
		backend.NewIMobileDevice(runner, usbmux.NewListener(usbmux.DefaultSocket)),
		backend.NewIOReg(runner),
	)

	devices := device.NewManager(cfg.Device(), inflight)

	return scheduler.New(cfg.Scheduler(), chain, devices, store, rec)
}
