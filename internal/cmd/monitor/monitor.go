// Package monitor is the composition root for the minerhive daemon.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clambin/go-common/taskmanager"
	"github.com/clambin/go-common/taskmanager/httpserver"
	promserver "github.com/clambin/go-common/taskmanager/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/collector"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/health"
	"github.com/minerhive/minerhive/internal/notifier"
	"github.com/minerhive/minerhive/internal/poller"
	"github.com/minerhive/minerhive/internal/registry"
	"github.com/minerhive/minerhive/internal/rules"
	"github.com/minerhive/minerhive/internal/scheduler"
	"github.com/minerhive/minerhive/internal/store"
	"github.com/minerhive/minerhive/internal/strategy"
)

var Cmd = cobra.Command{
	Use:   "monitor",
	Short: "Run the minerhive daemon",
	RunE:  run,
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("minerhive starting", "version", cmd.Root().Version)
	defer logger.Info("minerhive stopped")

	db, err := store.Connect(ctx, viper.GetString("db.url"), logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	m, err := New(ctx, viper.GetViper(), db, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

func New(ctx context.Context, cfg *viper.Viper, db *store.Store, registerer prometheus.Registerer, logger *slog.Logger) (*taskmanager.Manager, error) {
	reg := registry.New(0, nil, logger.With("component", "registry"))
	if err := registerDevices(ctx, db, reg, logger); err != nil {
		return nil, err
	}

	if err := maybeSeedBands(ctx, db, filepath.Join(filepath.Dir(cfg.ConfigFileUsed()), "strategy.yaml"), logger); err != nil {
		return nil, err
	}

	callMetrics := agile.NewCallMetrics()
	if registerer != nil {
		registerer.MustRegister(callMetrics)
	}
	feed := agile.NewFeed(
		agile.NewInstrumentedClient(cfg.GetString("agile.product"), callMetrics),
		db,
		agile.Region(cfg.GetString("agile.region")),
		logger.With("component", "agile"),
	)

	return taskmanager.New(makeTasks(cfg, db, reg, feed, registerer, logger)...), nil
}

// registerDevices builds an adapter for every device in the inventory. A
// device without a registered driver is skipped with a warning so one unknown
// class cannot keep the rest of the fleet down.
func registerDevices(ctx context.Context, db *store.Store, reg *registry.Registry, logger *slog.Logger) error {
	devices, err := db.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device inventory: %w", err)
	}
	for _, dev := range devices {
		if err := reg.Register(dev); err != nil {
			logger.Warn("skipping device", "device", dev.ID, "err", err)
		}
	}
	return nil
}

// maybeSeedBands loads strategy.yaml next to the config file into the store
// when no bands are configured yet. The stored bands stay authoritative
// afterwards.
func maybeSeedBands(ctx context.Context, db *store.Store, path string, logger *slog.Logger) error {
	bands, err := db.Bands(ctx)
	if err != nil {
		return fmt.Errorf("bands: %w", err)
	}
	if len(bands) > 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no bands configured. strategy will not act")
			return nil
		}
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if bands, err = strategy.LoadBands(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, warning := range bands.Validate() {
		logger.Warn("band configuration", "warning", warning)
	}
	logger.Info("seeding bands", "path", path, "bands", len(bands))
	return db.SaveBands(ctx, bands)
}

func makeTasks(cfg *viper.Viper, db *store.Store, reg *registry.Registry, feed *agile.Feed, registerer prometheus.Registerer, l *slog.Logger) []taskmanager.Task {
	var tasks []taskmanager.Task

	events := event.NewRecorder(db, l.With("component", "events"))

	p := poller.New(reg, db, feed, l.With("component", "poller"))

	engine := strategy.New(db, feed, reg, events, l.With("component", "strategy")).
		WithMinDwell(cfg.GetDuration("strategy.dwell"))

	evaluator := rules.NewEvaluator(db, reg, feed, engine, events, l.With("component", "rules"))

	// Scheduler. Registration order is evaluation order within a cycle:
	// prices first, then telemetry, then the decisions made from both.
	sched := scheduler.New(l.With("component", "scheduler"))
	sched.Add("price", cfg.GetDuration("agile.interval"), feed.Refresh)
	sched.Add("poller", cfg.GetDuration("poller.interval"), p.Poll)
	sched.Add("strategy", cfg.GetDuration("strategy.interval"), engine.Evaluate)
	sched.Add("rules", cfg.GetDuration("rules.interval"), evaluator.Evaluate)
	sched.Add("prune", 24*time.Hour, func(ctx context.Context) error {
		return db.PruneTelemetry(ctx, time.Now().Add(-cfg.GetDuration("telemetry.retention")))
	})
	tasks = append(tasks, sched)

	// Collector
	coll := &collector.Collector{Poller: p, Logger: l.With("component", "collector")}
	if registerer != nil {
		registerer.MustRegister(coll)
	}
	tasks = append(tasks, coll)

	// Prometheus Server
	tasks = append(tasks, promserver.New(promserver.WithAddr(cfg.GetString("exporter.addr"))))

	// Health Endpoint
	h := health.New(p, sched, l.With("component", "health"))
	tasks = append(tasks, h)
	r := http.NewServeMux()
	r.Handle("/health", h)
	tasks = append(tasks, httpserver.New(cfg.GetString("health.addr"), r))

	// Notifiers
	notifiers := notifier.Notifiers{notifier.SLogNotifier{Logger: l.With("component", "notifier")}}
	if token := cfg.GetString("slack.token"); token != "" {
		notifiers = append(notifiers, &notifier.SlackNotifier{
			Logger:      l.With("component", "slack"),
			SlackSender: slack.New(token),
		})
	}
	tasks = append(tasks, &notifier.Task{
		Events:    events.Publisher,
		Notifiers: notifiers,
		Logger:    l.With("component", "notifier"),
	})

	return tasks
}
