package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/gateway"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/node"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/proactive"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/prompt"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/session"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/internal/vault"
	"github.com/scalyclaw/scalyclaw/internal/worker"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// restartExitCode tells a process supervisor to restart rather than stop.
const restartExitCode = 3

func buildNodeCmd() *cobra.Command {
	var (
		redis      redisFlags
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the node: channel adapters, orchestrator, scheduler, management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd.Context(), redis, configPath)
		},
	}
	addRedisFlags(cmd, &redis)
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SCALYCLAW_CONFIG"),
		"YAML config file seeded into the store at start")
	return cmd
}

func runNode(parent context.Context, redis redisFlags, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := kv.New(ctx, kv.Options{Addr: redis.addr, Password: redis.password, DB: redis.db})
	if err != nil {
		return err
	}
	defer client.Close()

	cfgStore := config.NewStore(client)
	var cfg *config.Config
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if cfg, err = cfgStore.Seed(ctx, raw); err != nil {
			return err
		}
	} else if cfg, err = cfgStore.Load(ctx); err != nil {
		return err
	}

	log := observability.NewLogger(observability.LogConfig{Level: cfg.Logs.Level, Format: cfg.Logs.Format})
	metrics := observability.NewMetrics()
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "scalyclaw-node",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	defer func() {
		if err := traceShutdown(context.Background()); err != nil {
			log.Warn(ctx, "trace shutdown failed", "error", err)
		}
	}()

	root := cfg.Paths.Root
	dbPath := filepath.Join(root, cfg.Paths.Database, "scalyclaw.db")
	skillsDir := filepath.Join(root, cfg.Paths.SkillsDir)
	agentsDir := filepath.Join(root, cfg.Paths.AgentsDir)
	workspace := filepath.Join(root, cfg.Paths.Workspace)
	for _, dir := range []string{skillsDir, agentsDir, workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := storage.Open(storage.Config{Path: dbPath, VectorDimension: cfg.Memory.VectorDimension})
	if err != nil {
		return err
	}
	defer db.Close()

	registry := llm.NewRegistry()
	registerProviders(registry, cfg)

	var embedder llm.Embedder
	for _, entry := range cfg.Models.EmbeddingModels {
		if !entry.Enabled {
			continue
		}
		e, err := llm.NewOpenAIEmbedder(entry.ID, entry.APIKey, entry.BaseURL)
		if err != nil {
			log.Warn(ctx, "skipping embedding model", "model", entry.ID, "error", err)
			continue
		}
		embedder = e
		break
	}
	mem := memory.NewEngine(db, memory.Options{
		Embedder:       embedder,
		ScoreThreshold: cfg.Memory.ScoreThreshold,
		DefaultTopK:    cfg.Memory.DefaultTopK,
		Logger:         log,
	})

	vlt, err := vault.Open(client, root)
	if err != nil {
		return err
	}

	mcpManager := mcp.NewManager(log)
	mcpManager.Connect(ctx, cfg.MCPServers)
	defer mcpManager.Close()

	var pb *prompt.Builder
	invalidate := func() {
		if pb != nil {
			pb.Invalidate()
		}
	}
	skillReg := skills.NewRegistry(skillsDir, func() []config.SkillRef { return cfgStore.Ref().Skills }, invalidate, log)
	if err := skillReg.Load(ctx); err != nil {
		return err
	}
	if err := skillReg.Watch(ctx); err != nil {
		log.Warn(ctx, "skill watcher unavailable", "error", err)
	}
	defer skillReg.Close()

	agentReg := agents.NewRegistry(agentsDir, func() []config.AgentRef { return cfgStore.Ref().Agents }, invalidate, log)
	if err := agentReg.Load(ctx); err != nil {
		return err
	}

	pb = prompt.NewBuilder(root, skillReg, agentReg, mcpManager, log)

	fabric := queue.NewFabric(client, queue.Config{
		Attempts:    cfg.Queue.Attempts,
		BackoffMs:   int64(cfg.Queue.BackoffMs),
		BackoffType: cfg.Queue.BackoffType,
		Concurrency: cfg.Queue.Concurrency,
	}, log, metrics)
	fabric.SetTracer(tracer)

	sessions := session.NewManager(client, cfg.Gateway.RateLimitPerMinute, log, metrics)

	guards := guard.NewPipeline(registry, db, metrics, log,
		func() string { return cfgStore.Ref().Models.Guard },
		func() config.GuardsConfig { return cfgStore.Ref().Guards })
	shield := guard.NewCommandShield(cfg.Guards.DeniedCommands, cfg.Guards.AllowedCommands)

	bc := budget.NewChecker(db, func() (*config.BudgetConfig, map[string]storage.ModelPricing) {
		ref := cfgStore.Ref()
		return ref.Budget, pricingTable(ref)
	})

	agentGuard := func(ctx context.Context, agentID, name, description string, skillIDs []string, systemPrompt string) error {
		res := guards.CheckAgent(ctx, agentID, name, description, skillIDs, systemPrompt)
		if !res.Safe {
			return fmt.Errorf("agent rejected: %s", res.Reason)
		}
		return nil
	}

	pub := progress.NewPublisher(client, log, metrics)
	sched := scheduler.New(client, fabric, log)

	toolReg := tools.NewRegistry(mcpManager, log)
	tools.RegisterBuiltins(toolReg, &tools.Deps{
		Memory:       mem,
		Vault:        vlt,
		Config:       cfgStore,
		Scheduler:    sched,
		Agents:       agentReg,
		Skills:       skillReg,
		AgentGuard:   agentGuard,
		WorkspaceDir: workspace,
		Log:          log,
	})
	tools.RegisterExecution(toolReg, &tools.ExecDeps{Fabric: fabric, Skills: skillReg, Shield: shield})

	manager := channels.NewManager(client, log)
	manager.RegisterFactory("web", channels.NewWebAdapter)
	manager.RegisterFactory("webhook", channels.NewWebhookAdapter)

	fetcher := worker.NewFileFetcher(client, manager, workspace, log)
	orch := orchestrator.New(registry, db, db, mem, pb, toolReg, bc, fetcher,
		cfgStore.Ref, log, metrics)

	pe := proactive.New(client, db, registry, db, fabric, pub, cfgStore.Ref, log)
	if err := pe.Install(ctx); err != nil {
		log.Warn(ctx, "proactive install failed", "error", err)
	}

	disp := node.NewDispatcher(client, db, fabric, orch, sched, sessions, guards, agentReg, pb, pub, pe, log)
	exitCode := 0
	disp.OnRestart = func() {
		exitCode = restartExitCode
		stop()
	}
	disp.OnShutdown = stop
	disp.Register()
	disp.RegisterDelegation(toolReg)

	manager.OnMessage(func(msg *models.InboundMessage) {
		hctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reply, err := disp.HandleInbound(hctx, msg)
		if err != nil {
			log.Error(hctx, "inbound handling failed", "channel", msg.ChannelID, "error", err)
			return
		}
		if reply != "" {
			if err := manager.Send(hctx, msg.ChannelID, reply); err != nil {
				log.Warn(hctx, "reply send failed", "channel", msg.ChannelID, "error", err)
			}
		}
	})
	if err := manager.Apply(ctx, cfg.Channels); err != nil {
		log.Warn(ctx, "channel startup incomplete", "error", err)
	}
	defer manager.Shutdown(context.Background())

	progressDisp := progress.NewDispatcher(client, manager, log)
	go func() {
		if err := progressDisp.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, "progress dispatcher stopped", "error", err)
		}
	}()

	go watchReload(ctx, cfgStore, manager, pe, pb, log)

	srv := gateway.NewServer(gateway.Deps{
		Config:     cfgStore,
		KV:         client,
		Storage:    db,
		Memory:     mem,
		Vault:      vlt,
		Skills:     skillReg,
		Agents:     agentReg,
		Scheduler:  sched,
		Fabric:     fabric,
		Registry:   registry,
		Guards:     guards,
		Channels:   manager,
		Progress:   pub,
		Tools:      toolReg,
		Enqueuer:   disp,
		Metrics:    metrics,
		Tracer:     tracer,
		Log:        log,
		StartedAt:  time.Now(),
		Version:    version,
		OnShutdown: stop,
	})

	if err := fabric.Start(ctx); err != nil {
		return err
	}
	log.Info(ctx, "node started", "version", version)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// registerProviders binds one provider per distinct prefix in the model
// list. Anthropic gets the native SDK; everything else speaks the
// OpenAI-compatible surface.
func registerProviders(registry *llm.Registry, cfg *config.Config) {
	seen := map[string]bool{}
	for _, entry := range cfg.Models.Models {
		name, _, err := llm.SplitModelID(entry.ID)
		if err != nil || seen[name] {
			continue
		}
		seen[name] = true
		if name == "anthropic" {
			registry.RegisterProvider(llm.NewAnthropicProvider(entry.APIKey, entry.BaseURL))
			continue
		}
		registry.RegisterProvider(llm.NewOpenAIProvider(name, entry.APIKey, entry.BaseURL))
	}
}

func pricingTable(cfg *config.Config) map[string]storage.ModelPricing {
	table := make(map[string]storage.ModelPricing, len(cfg.Models.Models))
	for _, entry := range cfg.Models.Models {
		if entry.InputPerMTok == 0 && entry.OutputPerMTok == 0 {
			continue
		}
		table[entry.ID] = storage.ModelPricing{
			InputPerMTok:  entry.InputPerMTok,
			OutputPerMTok: entry.OutputPerMTok,
		}
	}
	return table
}

// watchReload re-applies the channel set and drops caches when a reload
// event arrives.
func watchReload(ctx context.Context, cfgStore *config.Store, manager *channels.Manager,
	pe *proactive.Engine, pb *prompt.Builder, log *observability.Logger) {
	sub, err := cfgStore.SubscribeReload(ctx)
	if err != nil {
		log.Error(ctx, "reload subscribe failed", "error", err)
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
			cfg, err := cfgStore.Load(ctx)
			if err != nil {
				log.Error(ctx, "config reload failed", "error", err)
				continue
			}
			pb.Invalidate()
			if err := manager.Apply(ctx, cfg.Channels); err != nil {
				log.Warn(ctx, "channel reload incomplete", "error", err)
			}
			if err := pe.Install(ctx); err != nil {
				log.Warn(ctx, "proactive reinstall failed", "error", err)
			}
			log.Info(ctx, "config reloaded")
		}
	}
}
