package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/yak/internal/agent"
	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/calendar"
	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/embeddings"
	"github.com/nugget/yak/internal/events"
	"github.com/nugget/yak/internal/fal"
	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/memory"
	"github.com/nugget/yak/internal/opstate"
	"github.com/nugget/yak/internal/retrieval"
	"github.com/nugget/yak/internal/storage"
	"github.com/nugget/yak/internal/tools"
	"github.com/nugget/yak/internal/workflow"
)

// inboundQueueSize is the depth of each bus queue.
const inboundQueueSize = 256

// app holds the components every subcommand that talks to the agent
// needs. serve adds channels, the scheduler and the API on top.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	events    *events.Bus
	bus       *bus.Bus
	sessions  *memory.Store
	assets    *storage.Store
	state     *opstate.Store
	provider  *llm.OllamaProvider
	retrieval *retrieval.Service
	pipeline  *workflow.Pipeline
	calendar  *calendar.Client
	registry  *tools.Registry
	loop      *agent.Loop

	closers []func() error
}

// Close releases the databases in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// openStores opens the SQLite databases under the data directory. It
// is shared by serve, ask and backfill.
func openStores(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	a := &app{cfg: cfg, logger: logger, events: events.New()}

	var err error
	sessionsPath := filepath.Join(cfg.DataDir, "sessions.db")
	if a.sessions, err = memory.Open(sessionsPath); err != nil {
		return nil, fmt.Errorf("open session database %s: %w", sessionsPath, err)
	}
	a.closers = append(a.closers, a.sessions.Close)

	assetsPath := filepath.Join(cfg.DataDir, "assets.db")
	if a.assets, err = storage.Open(assetsPath, filepath.Join(cfg.DataDir, "storage")); err != nil {
		a.Close()
		return nil, fmt.Errorf("open asset database %s: %w", assetsPath, err)
	}
	a.closers = append(a.closers, a.assets.Close)

	statePath := filepath.Join(cfg.DataDir, "opstate.db")
	if a.state, err = opstate.Open(statePath); err != nil {
		a.Close()
		return nil, fmt.Errorf("open state database %s: %w", statePath, err)
	}
	a.closers = append(a.closers, a.state.Close)

	logger.Info("databases opened", "data_dir", cfg.DataDir)
	return a, nil
}

// newRetrieval builds the embedding backend and the semantic index.
func (a *app) newRetrieval(ctx context.Context) error {
	e := a.cfg.Embeddings
	var ollama embeddings.Embedder
	if e.Backend != embeddings.BackendHash {
		ollama = embeddings.New(embeddings.Config{
			BaseURL: e.BaseURL,
			Model:   e.Model,
			Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
		})
	}
	embedder, err := embeddings.NewService(e.Backend, ollama, e.Dim, a.logger)
	if err != nil {
		return err
	}
	a.retrieval, err = retrieval.NewService(ctx, a.assets, embedder, a.state, a.logger)
	if err != nil {
		return fmt.Errorf("load retrieval index: %w", err)
	}
	return nil
}

// buildAgent wires the provider, tools and agent loop.
func (a *app) buildAgent(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	a.bus = bus.New(logger, inboundQueueSize)

	a.provider = llm.NewOllamaProvider(cfg.Ollama.BaseURL, logger,
		llm.WithTimeout(time.Duration(cfg.Ollama.TimeoutSeconds)*time.Second),
		llm.WithGeneration(cfg.Ollama.NumPredict, cfg.Ollama.Temperature),
		llm.WithDiagnostics(llm.NewFileSink(cfg.DiagnosticPath())),
	)

	if err := a.newRetrieval(ctx); err != nil {
		return err
	}

	falClient := fal.NewClient(fal.Config{
		APIKey:                 cfg.Fal.APIKey,
		QueueURL:               cfg.Fal.QueueURL,
		ObjectLifecycleSeconds: cfg.Fal.ObjectLifecycleSeconds,
	}, logger)
	pollInterval := time.Duration(cfg.Fal.PollIntervalSeconds * float64(time.Second))

	video := fal.NewVideoService(falClient, &indexedAssets{assets: a.assets, index: a.retrieval, logger: logger}, fal.VideoConfig{
		TextModel:    cfg.Fal.TextModel,
		ImageModel:   cfg.Fal.ImageModel,
		PollInterval: pollInterval,
		Timeout:      time.Duration(cfg.Fal.TimeoutSeconds * float64(time.Second)),
	}, logger, a.events)

	a.pipeline = workflow.New(workflow.Config{
		StorageRoot:    a.assets.BaseDir(),
		ImageServerURL: cfg.Workflow.ImageServerURL,
		ImageModel:     cfg.Workflow.ImageModel,
		VideoModel:     cfg.Fal.ImageModel,
		ImageTimeout:   time.Duration(cfg.Workflow.ImageTimeoutSeconds * float64(time.Second)),
		VideoTimeout:   time.Duration(cfg.Workflow.VideoTimeoutSeconds * float64(time.Second)),
		PollInterval:   pollInterval,
	}, falClient, logger, a.events)

	reg := tools.NewRegistry(logger)
	reg.SetWorkflow(a.pipeline, workflow.LoadStyleSuffix(cfg.Workflow.StyleSuffix, cfg.Workflow.StyleSuffixPath))
	reg.SetVideoGenerator(video)
	reg.SetPublisher(a.bus)
	reg.SetAssetStore(a.assets)
	reg.SetSearcher(a.retrieval)

	if cfg.Calendar.Configured() {
		loc := time.Local
		if cfg.Calendar.Timezone != "" {
			// Validate has already checked the zone name.
			loc, _ = time.LoadLocation(cfg.Calendar.Timezone)
		}
		cal, err := calendar.NewClient(calendar.Config{
			URL:      cfg.Calendar.URL,
			Username: cfg.Calendar.Username,
			Password: cfg.Calendar.Password,
			Calendar: cfg.Calendar.Calendar,
			Location: loc,
		}, logger)
		if err != nil {
			return fmt.Errorf("calendar: %w", err)
		}
		a.calendar = cal
		reg.SetCalendar(cal, nil)
	}

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", cfg.Agent.Workspace, err)
	}
	reg.SetWorkspace(tools.NewWorkspace(cfg.Agent.Workspace))
	reg.SetShell(tools.NewShell(tools.ExecConfig{
		Enabled:        cfg.Exec.Enabled,
		WorkingDir:     cfg.Agent.Workspace,
		DeniedPatterns: cfg.Exec.DeniedPatterns,
		Timeout:        time.Duration(cfg.Exec.TimeoutSeconds) * time.Second,
	}))
	a.registry = reg
	logger.Info("tools registered", "tools", reg.Names())

	contextProvider := agent.NewCompositeContextProvider(logger,
		agent.NewPersonaProvider(cfg.Agent.PersonaFile),
		agent.NewChannelProvider(),
	)

	a.loop = agent.New(agent.Config{
		Model:             cfg.Ollama.Model,
		FallbackModel:     cfg.Ollama.FallbackModel,
		FailoverThreshold: cfg.Ollama.ToolFailoverThreshold,
		MaxIterations:     cfg.Agent.MaxToolIterations,
		MediaChannels:     cfg.Agent.MediaChannels,
		HistoryLimit:      cfg.Agent.HistoryLimit,
		SessionIdle:       time.Duration(cfg.Agent.SessionIdleSeconds) * time.Second,
	}, agent.Deps{
		Provider: a.provider,
		Tools:    reg,
		Sessions: a.sessions,
		Intake:   a.bus,
		Context:  agent.NewContextBuilder(cfg.Agent.Workspace, contextProvider),
		Recorder: a.sessions,
		Events:   a.events,
		Logger:   logger,
	})
	return nil
}

// indexedAssets indexes every newly stored asset for semantic search.
// Indexing failures are logged; the asset itself is already saved.
type indexedAssets struct {
	assets *storage.Store
	index  *retrieval.Service
	logger *slog.Logger
}

func (s *indexedAssets) Store(ctx context.Context, req storage.StoreRequest) (*storage.Asset, error) {
	asset, err := s.assets.Store(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.index.IndexAsset(ctx, asset); err != nil {
		s.logger.Warn("asset indexing failed", "asset_id", asset.ID, "error", err)
	}
	return asset, nil
}
