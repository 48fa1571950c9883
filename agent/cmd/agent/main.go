package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/pgsnap/agent/internal/collector"
	"github.com/obsidianstack/pgsnap/agent/internal/config"
	"github.com/obsidianstack/pgsnap/agent/internal/metrics"
	"github.com/obsidianstack/pgsnap/agent/internal/remote"
	"github.com/obsidianstack/pgsnap/agent/internal/security"
	"github.com/obsidianstack/pgsnap/agent/internal/shipper"
)

const defaultConfigPath = "/etc/pgsnap/config.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("pgsnap-agent", flag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "path to config file")
	testMode := flags.Bool("test", false, "run one collection without contacting the service, then exit")
	metricsAddr := flags.String("metrics-addr", "", "listen address for /metrics and /healthz (overrides config)")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn or error")
	logFormat := flags.String("log-format", "json", "log format: json or text")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	logger, err := newLogger(stdout, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	path := *configPath
	if !flags.Changed("config") && !config.FileExists(path) {
		path = ""
	}

	var overrides []config.Override
	if *testMode {
		overrides = append(overrides, func(c *config.Config) { c.TestMode = true })
	}
	if flags.Changed("metrics-addr") {
		addr := *metricsAddr
		overrides = append(overrides, func(c *config.Config) { c.MetricsAddr = addr })
	}

	cfg, err := config.Load(path, overrides...)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return 1
	}
	slog.Info("config loaded",
		"config", path,
		"service_url", cfg.Service.URL,
		"db_host", cfg.Database.Host,
		"db_port", cfg.Database.Port,
		"all_databases", cfg.Database.All(),
		"test_mode", cfg.TestMode,
	)

	col := collector.New(cfg.Database, cfg.Collect)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TestMode {
		return validate(ctx, *cfg, col)
	}
	return serve(ctx, cfg, path, overrides, col)
}

// validate is the --test run.
func validate(ctx context.Context, cfg config.Config, col *collector.Collector) int {
	size, err := shipper.Validate(ctx, cfg, col)
	if err != nil {
		slog.Error("test collection failed", "err", err)
		return 1
	}
	slog.Info("test collection succeeded",
		"size", humanize.Bytes(uint64(size)),
		"bytes", size,
	)
	return 0
}

func serve(ctx context.Context, cfg *config.Config, path string, overrides []config.Override, col *collector.Collector) int {
	client, err := remote.NewHTTPClient(cfg.Service, cfg.Identity)
	if err != nil {
		slog.Error("failed to build http client", "err", err)
		return 1
	}
	admission, err := remote.NewAdmission(cfg.Service.URL, client)
	if err != nil {
		slog.Error("failed to build admission client", "err", err)
		return 1
	}
	uploader, err := remote.NewUploader(cfg.Service.URL, client)
	if err != nil {
		slog.Error("failed to build upload client", "err", err)
		return 1
	}

	var metricsLis net.Listener
	if cfg.MetricsAddr != "" {
		if metricsLis, err = metrics.Listen(cfg.MetricsAddr); err != nil {
			slog.Error("failed to start metrics listener", "err", err)
			return 1
		}
	}

	m := metrics.New()
	ship := shipper.New(*cfg, col, admission, uploader, shipper.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ship.Run(gctx)
		return nil
	})

	if metricsLis != nil {
		g.Go(func() error {
			if err := metrics.Serve(gctx, metricsLis, m, ship.Healthy); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
			return nil
		})
	}

	if path != "" {
		g.Go(func() error {
			err := config.Watch(gctx, path, func(updated *config.Config) {
				slog.Warn("config file changed, restart to apply",
					"service_url", updated.Service.URL,
					"db_host", updated.Database.Host,
				)
			}, overrides...)
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		notifySystemd(gctx, ship.Healthy)
		return nil
	})

	g.Go(func() error {
		logCertificate(security.Check(gctx, cfg.Service.URL))
		return nil
	})

	slog.Info("pgsnap-agent started", "identity_set", cfg.Identity != "")
	err = g.Wait()

	if sum, serr := m.Summary(); serr == nil {
		slog.Info("pgsnap-agent shutting down", "metrics", sum)
	}
	if err != nil {
		slog.Error("pgsnap-agent stopped with error", "err", err)
		return 1
	}
	return 0
}

// notifySystemd reports readiness and, when a watchdog is configured, pings
// it at half the interval for as long as the send loop is healthy. Outside
// systemd it only reports that nothing was sent.
func notifySystemd(ctx context.Context, healthy func() bool) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("systemd notify failed", "err", err)
		return
	}
	if !sent {
		slog.Debug("not running under systemd, readiness not sent")
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return
		case <-ticker.C:
			if healthy() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			} else {
				slog.Warn("send loop stalled, withholding watchdog ping")
			}
		}
	}
}

func logCertificate(cs *security.CertStatus) {
	if cs == nil {
		return
	}
	attrs := []any{
		"endpoint", cs.Endpoint,
		"status", cs.Status,
		"issuer", cs.Issuer,
		"days_left", cs.DaysLeft,
	}
	switch cs.Status {
	case "valid":
		slog.Info("service certificate", attrs...)
	case "unreachable":
		slog.Warn("service certificate could not be inspected", attrs...)
	default:
		slog.Warn("service certificate needs attention", attrs...)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", format)
}
