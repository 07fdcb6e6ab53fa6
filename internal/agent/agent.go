// Package agent runs the hostwatch daemon. It wires the alert engine to
// storage, the metrics backend, notification channels and the admin API, and
// integrates with the host service manager.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/bus"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
	"github.com/willibrandon/hostwatch/internal/metrics"
	"github.com/willibrandon/hostwatch/internal/notify"
	"github.com/willibrandon/hostwatch/internal/rulesfile"
	"github.com/willibrandon/hostwatch/internal/storage"
)

// Version is set by ldflags during build
var Version = "dev"

const shutdownTimeout = 5 * time.Second

// Agent is the hostwatch daemon.
type Agent struct {
	config *config.Config

	store     *storage.Store
	source    alerts.MetricSource
	bus       *bus.Bus
	webhook   *WebhookDelivery
	engine    *alerts.Engine
	scheduler *alerts.Scheduler
	status    *StatusRecorder
	retention *RetentionManager
	admin     *AdminServer
	registry  *prometheus.Registry
	pidFile   *PIDFile

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Agent for cfg. Nothing is opened until Start.
func New(cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		pidFile: NewPIDFile(cfg.Storage.GetDataPath()),
	}, nil
}

// Start opens every dependency and launches the scheduler. On error the
// agent should be stopped to release what was opened.
func (a *Agent) Start() error {
	cfg := a.config
	logger.Info("starting hostwatch agent", "version", Version, "pid", os.Getpid())

	if err := a.pidFile.Acquire(); err != nil {
		return err
	}

	store, err := OpenStore(a.ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store
	logger.Info("store opened", "driver", store.Dialect())

	source, err := metrics.New(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics source: %w", err)
	}
	a.source = source

	dispatcher, err := newDispatcher(cfg.Notify)
	if err != nil {
		return err
	}

	publishers, err := a.startPublishers()
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := alerts.NewEngine(alerts.EngineConfig{
		Store:           store,
		Source:          source,
		Dispatcher:      dispatcher,
		Publisher:       publishers,
		Telemetry:       alerts.NewTelemetry(a.registry),
		Concurrency:     cfg.Alerts.Concurrency,
		MessageTemplate: cfg.Alerts.MessageTemplate,
	})
	if err != nil {
		return fmt.Errorf("failed to create alert engine: %w", err)
	}
	a.engine = engine

	a.status = NewStatusRecorder(store, Version)
	if err := a.status.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to write agent status: %w", err)
	}

	if cfg.Alerts.RulesFile != "" {
		if err := a.syncRulesFile(cfg.Alerts.RulesFile); err != nil {
			return err
		}
	}

	a.scheduler = alerts.NewScheduler(engine, cfg.Alerts.Interval, cfg.Alerts.TickTimeout)
	a.scheduler.OnTick(a.status.Record)
	if cfg.Alerts.Enabled {
		if err := a.scheduler.Start(a.ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("alert evaluation disabled by configuration")
	}

	a.watchRules()
	a.watchConfig()

	a.retention = NewRetentionManager(store, cfg.Alerts.HistoryRetention)
	a.retention.Start()

	if cfg.Admin.Enabled {
		admin, err := StartAdminServer(cfg.Admin.Listen, a.adminHandler())
		if err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		a.admin = admin
	}

	logger.Info("hostwatch agent started",
		"interval", cfg.Alerts.Interval,
		"concurrency", cfg.Alerts.Concurrency,
		"metrics", cfg.Metrics.Backend)
	return nil
}

func newDispatcher(cfg config.NotifyConfig) (*alerts.Dispatcher, error) {
	d := alerts.NewDispatcher()
	if cfg.Email.Enabled {
		sender, err := notify.NewEmailSender(cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to create email sender: %w", err)
		}
		d.Register(alerts.TierEmail, sender)
	}
	if cfg.SMS.Enabled {
		d.Register(alerts.TierSMS, notify.NewSMSSender(cfg.SMS))
	}
	return d, nil
}

func (a *Agent) startPublishers() (alerts.Publishers, error) {
	var publishers alerts.Publishers

	if a.config.Bus.Enabled {
		b, err := bus.Connect(a.config.Bus)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.bus = b
		publishers = append(publishers, b)

		if err := b.SubscribeRuleChanges(func(c bus.RuleChange) {
			logger.Info("rule change received", "rule", c.RuleID, "action", c.Action)
			a.Reload()
		}); err != nil {
			return nil, fmt.Errorf("failed to subscribe to rule changes: %w", err)
		}
	}

	if a.config.Notify.Webhook.Enabled {
		a.webhook = NewWebhookDelivery(a.config.Notify.Webhook)
		a.webhook.Start()
		publishers = append(publishers, a.webhook)
	}

	return publishers, nil
}

func (a *Agent) syncRulesFile(path string) error {
	rules, err := rulesfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load rules file: %w", err)
	}
	return a.applyRules(rules)
}

// applyRules makes the store match the rules file, which is authoritative
// when configured.
func (a *Agent) applyRules(rules []alerts.Rule) error {
	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	res, err := rulesfile.Sync(ctx, a.store, rules, true)
	if err != nil {
		return fmt.Errorf("failed to sync rules file: %w", err)
	}
	logger.Info("rules file synced",
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted)
	return nil
}

func (a *Agent) watchRules() {
	path := a.config.Alerts.RulesFile
	if path == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := rulesfile.Watch(a.ctx, path, func(rules []alerts.Rule) {
			if err := a.applyRules(rules); err != nil {
				logger.Error("rules file reload failed", "error", err)
				return
			}
			a.Reload()
		})
		if err != nil && a.ctx.Err() == nil {
			logger.Error("rules file watch stopped", "path", path, "error", err)
		}
	}()
}

func (a *Agent) watchConfig() {
	if a.config.Path() == "" {
		return
	}
	a.config.Watch(func(next *config.Config) {
		logger.SetLevel(LogLevel(next))
		logger.Info("configuration reloaded", "path", next.Path(), "log_level", next.LogLevel)
		a.Reload()
	})
}

func (a *Agent) adminHandler() *AdminHandler {
	return &AdminHandler{
		Events:   a.engine,
		Inbox:    a.store,
		Gatherer: a.registry,
		Health:   a.store.Ping,
		Status:   a.status.Snapshot,
		Reload:   a.Reload,
	}
}

// Reload asks the scheduler for an early tick. Breach streaks are kept.
func (a *Agent) Reload() {
	if a.scheduler != nil {
		a.scheduler.Reconfigure()
	}
}

// Stop shuts the agent down in reverse start order.
func (a *Agent) Stop() error {
	logger.Info("stopping hostwatch agent")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			logger.Warn("admin server shutdown failed", "error", err)
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.retention != nil {
		a.retention.Stop()
	}

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout, forcing exit")
	}

	if a.webhook != nil {
		a.webhook.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if c, ok := a.source.(io.Closer); ok {
		_ = c.Close()
	}

	if a.store != nil {
		if a.status != nil {
			if err := a.status.Clear(ctx); err != nil {
				logger.Warn("failed to clear agent status", "error", err)
			}
		}
		if err := a.store.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}

	if err := a.pidFile.Release(); err != nil {
		logger.Warn("failed to remove PID file", "error", err)
	}

	logger.Info("hostwatch agent stopped")
	return nil
}

// Wait blocks until the agent is stopped.
func (a *Agent) Wait() {
	<-a.ctx.Done()
}

// Context returns the agent's context.
func (a *Agent) Context() context.Context {
	return a.ctx
}

// Config returns the agent's configuration.
func (a *Agent) Config() *config.Config {
	return a.config
}

// Engine returns the alert engine, nil before Start.
func (a *Agent) Engine() *alerts.Engine {
	return a.engine
}

// AdminAddr returns the admin API address, or "" when disabled.
func (a *Agent) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// LogLevel maps the config to a logger level; debug wins over log_level.
func LogLevel(cfg *config.Config) logger.LogLevel {
	if cfg.Debug {
		return logger.LevelDebug
	}
	return logger.ParseLevel(cfg.LogLevel)
}
