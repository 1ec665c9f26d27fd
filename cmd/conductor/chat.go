package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
	"github.com/conductorhq/conductor/internal/orchestration/agentpool"
	"github.com/conductorhq/conductor/internal/orchestration/delegation"
	"github.com/conductorhq/conductor/internal/orchestration/dupedetect"
	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/internal/orchestration/loopdetect"
	"github.com/conductorhq/conductor/internal/orchestration/subagent"
	"github.com/conductorhq/conductor/internal/orchestration/tokenmanager"
	"github.com/conductorhq/conductor/internal/orchestration/toolorchestrator"
	"github.com/conductorhq/conductor/internal/orchestration/turnmanager"
	"github.com/conductorhq/conductor/internal/orchestration/watchdog"
	"github.com/conductorhq/conductor/internal/plugins"
	"github.com/conductorhq/conductor/internal/providers/anthropic"
	"github.com/conductorhq/conductor/internal/providers/bedrock"
	"github.com/conductorhq/conductor/internal/providers/failover"
	"github.com/conductorhq/conductor/internal/providers/openai"
	"github.com/conductorhq/conductor/internal/sessions"
)

func buildChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Start a conversation (one-shot with a message argument, interactive without)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, strings.Join(args, " "))
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func runChat(ctx context.Context, cfg *config.Config, oneShot string) error {
	log := buildLogger(cfg.Logging)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "conductor",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		EnableInsecure: cfg.Observability.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Observability.MetricsAddr != "" {
		go serveMetrics(cfg.Observability.MetricsAddr, log)
	}

	stream := activitystream.New(log)
	detachMetrics := observability.AttachStream(stream, metrics)
	defer detachMetrics()

	client, err := buildModelClient(ctx, cfg, log)
	if err != nil {
		return err
	}

	tokens := tokenmanager.New(cfg.Conversation.ContextSize)
	dupes := dupedetect.New(dupedetect.Config{MaxRecords: cfg.Loop.MaxToolHistory})
	cycles := loopdetect.NewToolCycleDetector(loopdetect.Config{
		MaxToolHistory:        cfg.Loop.MaxToolHistory,
		CycleThreshold:        cfg.Loop.CycleThreshold,
		SimilarCallThreshold:  cfg.Loop.SimilarCallThreshold,
		RepeatedFileThreshold: cfg.Loop.RepeatedFileThreshold,
		MinSearchesForHitRate: cfg.Loop.MinSearchesForHitRate,
		HitRateThreshold:      cfg.Loop.HitRateThreshold,
		EmptyStreakThreshold:  cfg.Loop.EmptyStreakThreshold,
		CycleBreakThreshold:   cfg.Loop.CycleBreakThreshold,
	})
	monitor := watchdog.New(watchdog.Config{
		TimeoutMs:       cfg.Watchdog.TimeoutMs,
		CheckIntervalMs: cfg.Watchdog.CheckIntervalMs,
	}, func() {
		metrics.WatchdogTimeouts.Inc()
		log.Warn("watchdog: no activity within timeout")
	}, log)
	turns := turnmanager.New()
	if cfg.Conversation.MaxTurnDurationMin > 0 {
		turns.SetMaxDuration(float64(cfg.Conversation.MaxTurnDurationMin))
	}

	orch := toolorchestrator.New(toolorchestrator.Config{
		ExploratoryToolThreshold:      cfg.Tools.ExploratoryToolThreshold,
		ExploratoryToolSternThreshold: cfg.Tools.ExploratoryToolSternThreshold,
		MaxResultChars:                resultCharBudget(cfg),
		DisableParallel:               cfg.Tools.ParallelTools != nil && !*cfg.Tools.ParallelTools,
	}, nil, dupes, cycles, stream)

	toolDefs, err := registerPluginTools(cfg, orch)
	if err != nil {
		return err
	}
	toolDefs = append(toolDefs, engine.ToolDefinition{
		Name:        "task-agent",
		Description: "Delegate a self-contained task to a sub-agent and return its final reply",
		Schema:      []byte(`{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"]}`),
	})

	delegations := delegation.New()

	eng := engine.New(engine.Config{
		MaxIterations:      cfg.Conversation.MaxIterations,
		MaxAgentDepth:      cfg.Agents.MaxAgentDepth,
		MaxAgentCycleDepth: cfg.Agents.MaxAgentCycleDepth,
		ToolCallMaxRetries: cfg.Tools.ToolCallMaxRetries,
		CompactThreshold:   cfg.Conversation.CompactThreshold,
		Model:              cfg.LLM.Model,
	}, engine.Options{
		Client:       client,
		Log:          log,
		Tokens:       tokens,
		Dupes:        dupes,
		Cycles:       cycles,
		Watchdog:     monitor,
		Turns:        turns,
		Orchestrator: orch,
		Stream:       stream,
		Delegations:  delegations,
		IsTopLevel:   true,
		AgentType:    "root",
		Tools:        toolDefs,
	})

	// Sub-agent infrastructure: a keyed pool of warm engines sharing the
	// parent's model client, swept periodically, with delegation routing
	// and watchdog pause bookkeeping handled by the spawner.
	pool := agentpool.New(func(ctx context.Context, poolCfg agentpool.AgentConfig) (*engine.Engine, error) {
		subOrch := toolorchestrator.New(toolorchestrator.DefaultConfig(), nil, nil, nil, stream)
		subOrch.SkipInjection = true
		return engine.New(engine.Config{
			MaxIterations:      cfg.Conversation.MaxIterations,
			MaxAgentDepth:      cfg.Agents.MaxAgentDepth,
			MaxAgentCycleDepth: cfg.Agents.MaxAgentCycleDepth,
			Model:              poolCfg.Model,
			SystemPrompt:       poolCfg.SystemPrompt,
		}, engine.Options{
			Client:       client,
			Log:          log,
			Orchestrator: subOrch,
			Stream:       stream,
			AgentType:    engine.AgentType("task"),
		}), nil
	}, func(e *engine.Engine) { e.Reset() })
	defer pool.Close()

	sweeper, err := agentpool.NewSweeper(pool, agentpool.SweeperConfig{
		Schedule: cfg.Agents.PoolSweepSchedule,
		MaxIdle:  cfg.Agents.PoolMaxIdle,
	}, log)
	if err != nil {
		return err
	}
	sweeper.OnSweep = func(evicted int, stats agentpool.Stats) {
		metrics.RecordPoolStats(stats.Idle, stats.InUse)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Plugin hot reload: evict warm sub-agents built against a changed
	// plugin so the next delegation rebuilds them.
	watcher := plugins.NewWatcher(log, 0, func(pluginName string) {
		evicted := pool.EvictPluginAgents(pluginName)
		metrics.PoolEvictions.WithLabelValues(pluginName).Add(float64(evicted))
		stats := pool.Stats()
		metrics.RecordPoolStats(stats.Idle, stats.InUse)
	})
	if len(cfg.Plugins.Dirs) > 0 {
		if err := watcher.Start(ctx, cfg.Plugins.Dirs); err != nil {
			log.Warn("plugin watcher failed to start", "error", err)
		}
	}
	defer watcher.Close()

	spawner := subagent.New(eng, pool, monitor, delegations, log)
	orch.RegisterTool(toolorchestrator.ToolDef{Name: "task-agent"},
		spawner.Executor("task-agent", "task", agentpool.AgentConfig{Model: cfg.LLM.Model}))

	store, closeStore, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	sess := &sessions.Session{ID: uuid.New().String(), AgentType: "root"}
	if err := store.Create(ctx, sess); err != nil {
		return err
	}
	persisted := 0
	persistTranscript := func() {
		msgs := eng.Store().Messages()
		for ; persisted < len(msgs); persisted++ {
			if err := store.AppendMessage(ctx, sess.ID, msgs[persisted]); err != nil {
				log.Warn("failed to persist transcript message", "error", err)
				return
			}
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			eng.Interrupt("user")
		}
	}()

	if oneShot != "" {
		err := runTurn(ctx, eng, tracer, metrics, tokens, oneShot)
		persistTranscript()
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("conductor: interactive session (ctrl-d to exit)")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runTurn(ctx, eng, tracer, metrics, tokens, line); err != nil {
			return err
		}
		persistTranscript()
	}
}

func runTurn(ctx context.Context, eng *engine.Engine, tracer *observability.Tracer, metrics *observability.Metrics, tokens *tokenmanager.Manager, text string) error {
	turnCtx, span := tracer.StartTurn(ctx, "root")
	defer span.End()

	reply, err := eng.SendMessage(turnCtx, text)
	outcome := "completed"
	if err != nil {
		outcome = "error"
		observability.RecordError(span, err)
	}
	metrics.TurnCounter.WithLabelValues("root", outcome).Inc()
	metrics.ContextUsagePercent.Set(float64(tokens.GetContextUsagePercentage()))
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func buildModelClient(ctx context.Context, cfg *config.Config, log *slog.Logger) (engine.ModelClient, error) {
	build := func(name string) (failover.Named, error) {
		switch name {
		case "anthropic":
			return anthropic.New(anthropic.Config{
				APIKey:           cfg.LLM.Anthropic.APIKey,
				BaseURL:          cfg.LLM.Anthropic.BaseURL,
				DefaultModel:     cfg.LLM.Model,
				DefaultMaxTokens: cfg.LLM.MaxTokens,
			})
		case "openai":
			return openai.New(openai.Config{
				APIKey:       cfg.LLM.OpenAI.APIKey,
				BaseURL:      cfg.LLM.OpenAI.BaseURL,
				DefaultModel: cfg.LLM.Model,
			})
		case "bedrock":
			return bedrock.New(ctx, bedrock.Config{
				Region:          cfg.LLM.Bedrock.Region,
				AccessKeyID:     cfg.LLM.Bedrock.AccessKeyID,
				SecretAccessKey: cfg.LLM.Bedrock.SecretAccessKey,
				SessionToken:    cfg.LLM.Bedrock.SessionToken,
				DefaultModel:    cfg.LLM.Model,
			})
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	if cfg.LLM.Provider != "failover" {
		return build(cfg.LLM.Provider)
	}

	order := cfg.LLM.FailoverOrder
	if len(order) == 0 {
		order = []string{"anthropic", "openai"}
	}
	var clients []failover.Named
	for _, name := range order {
		client, err := build(name)
		if err != nil {
			log.Warn("skipping unavailable provider in failover chain", "provider", name, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, errors.New("failover chain has no usable providers")
	}
	return failover.New(log, clients...), nil
}

// registerPluginTools exposes each configured plugin daemon as one tool.
func registerPluginTools(cfg *config.Config, orch *toolorchestrator.Orchestrator) ([]engine.ToolDefinition, error) {
	var defs []engine.ToolDefinition
	for name, socket := range cfg.Plugins.Daemons {
		client, err := plugins.NewClient(plugins.ClientConfig{
			PluginName:  name,
			SocketPath:  socket,
			CallTimeout: cfg.Plugins.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", name, err)
		}
		orch.RegisterTool(toolorchestrator.ToolDef{Name: name}, plugins.Executor(client))
		defs = append(defs, engine.ToolDefinition{
			Name:        name,
			Description: "Background plugin tool " + name,
			Schema:      []byte(`{"type":"object"}`),
		})
	}
	return defs, nil
}

// resultCharBudget converts the tool-result context-share knobs into a
// character cap, using the module's ~4-chars-per-token estimate.
func resultCharBudget(cfg *config.Config) int {
	budgetTokens := cfg.Conversation.ContextSize * cfg.Tools.ToolResultMaxContextPercent / 100
	if budgetTokens < cfg.Tools.ToolResultMinTokens {
		budgetTokens = cfg.Tools.ToolResultMinTokens
	}
	return budgetTokens * 4
}

// buildSessionStore selects the transcript persistence backend.
func buildSessionStore(cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		store, err := sessions.OpenSQLite(cfg.Sessions.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server exited", "error", err)
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
