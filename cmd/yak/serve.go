package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/yak/internal/api"
	"github.com/nugget/yak/internal/buildinfo"
	"github.com/nugget/yak/internal/channels"
	"github.com/nugget/yak/internal/cron"
	"github.com/nugget/yak/internal/health"
	"github.com/nugget/yak/internal/mqtt"
	"github.com/nugget/yak/internal/usage"
)

// shutdownTimeout bounds the graceful drain of the HTTP server and the
// MQTT goodbye.
const shutdownTimeout = 10 * time.Second

// runServe handles the "yak serve" subcommand, the primary operating
// mode. It wires every component, starts the background services and
// blocks until ctx is cancelled.
//
// Shutdown order:
//  1. ctx is cancelled (SIGINT or SIGTERM)
//  2. the HTTP server drains in-flight requests
//  3. the loop, channels, scheduler and watchers wind down
//  4. MQTT publishes "offline" and disconnects
//  5. databases close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := configuredLogger(stdout, cfg)
	defer closeLog()

	logger.Info("starting Yak", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	if cfgPath == "" {
		logger.Info("no config file found, running on defaults and environment")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("model configured",
		"model", cfg.Ollama.Model,
		"fallback_model", cfg.Ollama.FallbackModel,
		"ollama_url", cfg.Ollama.BaseURL,
	)

	a, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.buildAgent(ctx); err != nil {
		return err
	}

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	ledger, err := usage.Open(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer ledger.Close()

	// --- Channels ---
	pub := channels.ObservePublisher(a.bus, a.events)
	chans := channels.NewManager(a.bus, logger)
	chans.SetEventBus(a.events)

	var email *channels.Email
	if cfg.Channels.Email.Enabled {
		email, err = channels.NewEmail(cfg.Channels.Email, pub, a.state, logger)
		if err != nil {
			return fmt.Errorf("email channel: %w", err)
		}
		chans.Add(email)
	}
	if cfg.Channels.Bridge.Enabled {
		chans.Add(channels.NewBridge(cfg.Channels.Bridge, pub, logger))
	}
	if len(chans.Names()) == 0 {
		logger.Warn("no channels enabled; only the HTTP API and cron can reach the agent")
	}

	// --- Connection health ---
	monitor := health.NewMonitor(logger, a.events, health.DefaultBackoff())
	monitor.Add("ollama", a.provider.Ping)
	monitor.Add("image_server", a.pipeline.Ping)
	if email != nil {
		monitor.Add("imap", email.Ping)
	}

	// --- MQTT ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(ctx, a.state)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		tracker := mqtt.NewTracker(instanceID, cfg.Ollama.Model, a.loop, time.Local)
		publisher = mqtt.New(cfg.MQTT, instanceID, tracker, a.events, logger)
		monitor.Add("mqtt", publisher.AwaitConnection)
	}

	// --- Scheduler ---
	var sched *cron.Service
	if len(cfg.Cron) > 0 {
		sched, err = cron.New(cfg.Cron, a.bus, a.events, logger, time.Local)
		if err != nil {
			return err
		}
	}

	// --- Run ---
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("component failed", "component", name, "error", err)
			}
		}()
	}

	goRun("usage", usage.NewRecorder(ledger, a.events, logger).Run)
	goRun("agent", a.loop.Run)
	goRun("outbound", a.bus.DispatchOutbound)
	goRun("channels", func(ctx context.Context) error { chans.Start(ctx); return nil })
	// MQTT outlives ctx so the goodbye can still be published.
	mqttCtx, stopMQTT := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMQTT()
	mqttDone := make(chan struct{})
	if publisher != nil {
		go func() {
			defer close(mqttDone)
			if err := publisher.Start(mqttCtx); err != nil {
				logger.Error("component failed", "component", "mqtt", "error", err)
			}
		}()
	} else {
		close(mqttDone)
	}
	if sched != nil {
		goRun("cron", sched.Start)
	}
	monitor.Start(ctx)

	var server *api.Server
	if cfg.Listen.Port > 0 {
		deps := api.Deps{
			Messenger: a.loop,
			Sessions:  a.sessions,
			Services:  monitor,
			Channels:  chans,
		}
		if sched != nil {
			deps.Cron = sched
		}
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, deps, logger)
		goRun("api", server.Start)
	} else {
		logger.Info("HTTP API disabled (listen.port is 0)")
	}

	logger.Info("Yak running", "channels", chans.Names(), "services", monitor.Names())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown", "error", err)
		}
	}
	monitor.Stop()
	wg.Wait()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Debug("mqtt disconnect", "error", err)
		}
	}
	stopMQTT()
	<-mqttDone

	logger.Info("Yak stopped")
	return nil
}
