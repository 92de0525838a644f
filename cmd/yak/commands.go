package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/fal"
	"github.com/nugget/yak/internal/health"
	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/workflow"
)

// runAsk handles "yak ask <question>". It boots the agent without
// channels or the scheduler, runs one turn in the cli:direct session
// and prints the reply. Logs go to stderr at warn level so stdout holds
// only the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	a, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.buildAgent(ctx); err != nil {
		return err
	}

	reply, err := a.loop.ProcessDirect(ctx, question, "", "", "")
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// healthProbes returns the probes "yak health" runs. It builds only
// the clients the probes need, so no database is opened.
func healthProbes(cfg *config.Config, logger *slog.Logger) map[string]health.Probe {
	provider := llm.NewOllamaProvider(cfg.Ollama.BaseURL, logger)
	pipeline := workflow.New(workflow.Config{
		ImageServerURL: cfg.Workflow.ImageServerURL,
	}, fal.NewClient(fal.Config{APIKey: cfg.Fal.APIKey, QueueURL: cfg.Fal.QueueURL}, logger), logger, nil)

	return map[string]health.Probe{
		"ollama":       provider.Ping,
		"image_server": pipeline.Ping,
	}
}

// runHealth handles "yak health": every upstream service is probed
// once and the results printed. It fails when any service is down so
// it can back a container health check.
func runHealth(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	monitor := health.NewMonitor(logger, nil, health.DefaultBackoff())
	for name, probe := range healthProbes(cfg, logger) {
		monitor.Add(name, probe)
	}
	results := monitor.CheckAll(ctx)

	down := 0
	for _, st := range results {
		if !st.Ready {
			down++
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"healthy": down == 0, "services": results}); err != nil {
			return err
		}
	} else {
		for _, st := range results {
			state := "ok"
			if !st.Ready {
				state = "DOWN"
			}
			line := fmt.Sprintf("%-14s %-4s %s", st.Name, state, st.Latency.Round(time.Millisecond))
			if st.LastError != "" {
				line += "  " + st.LastError
			}
			fmt.Fprintln(stdout, line)
		}
	}

	if down > 0 {
		return fmt.Errorf("%d of %d services unavailable", down, len(results))
	}
	return nil
}

// runBackfill handles "yak backfill [limit]": stored assets are
// embedded into the retrieval index. A missing or zero limit indexes
// everything.
func runBackfill(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string, outputFmt string) error {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("usage: yak backfill [limit]")
		}
		limit = n
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := configuredLogger(stderr, cfg)
	defer closeLog()

	a, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.newRetrieval(ctx); err != nil {
		return err
	}
	n, err := a.retrieval.Backfill(ctx, limit)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]int{"indexed": n})
	}
	fmt.Fprintf(stdout, "Indexed %d assets\n", n)
	return nil
}
