package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/worker"
)

func buildWorkerCmd() *cobra.Command {
	var (
		redis   redisFlags
		addr    string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker: tools-queue consumer with its own HTTP surface",
		Long: `A worker consumes only the tools queue: skill, code, and command
execution as subprocesses. It is stateless; skill bundles are fetched from
the node on demand and results reference files served from this worker's
/api/files endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), redis, addr, dataDir)
		},
	}
	addRedisFlags(cmd, &redis)
	cmd.Flags().StringVar(&addr, "advertise", os.Getenv("SCALYCLAW_WORKER_ADDR"),
		"externally reachable base URL for this worker, e.g. http://10.0.0.5:8068")
	cmd.Flags().StringVar(&dataDir, "data", envOr("SCALYCLAW_WORKER_DATA", "worker-data"),
		"local directory for the workspace and fetched skill bundles")
	return cmd
}

func runWorker(parent context.Context, redis redisFlags, addr, dataDir string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := kv.New(ctx, kv.Options{Addr: redis.addr, Password: redis.password, DB: redis.db})
	if err != nil {
		return err
	}
	defer client.Close()

	cfgStore := config.NewStore(client)
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return err
	}

	tail := worker.NewTailBuffer()
	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logs.Level,
		Format: cfg.Logs.Format,
		Output: io.MultiWriter(os.Stdout, tail),
	})

	workspace := filepath.Join(dataDir, "workspace")
	skillsDir := filepath.Join(dataDir, "skills")
	for _, dir := range []string{workspace, skillsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	// Workers run every fetched bundle; enablement is the node's concern.
	skillReg := skills.NewRegistry(skillsDir, func() []config.SkillRef {
		refs := cfgStore.Ref().Skills
		out := make([]config.SkillRef, len(refs))
		for i, ref := range refs {
			out[i] = config.SkillRef{ID: ref.ID, Enabled: true}
		}
		return out
	}, nil, log)
	if err := skillReg.Load(ctx); err != nil {
		return err
	}

	nodeURL := cfg.Worker.NodeURL
	if nodeURL == "" {
		nodeURL = fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port)
	}
	if addr == "" {
		addr = fmt.Sprintf("http://localhost:%d", cfg.Worker.Port)
	}

	w := worker.New(worker.Config{
		Addr:      addr,
		Token:     cfg.Worker.Token,
		NodeURL:   nodeURL,
		NodeToken: cfg.Gateway.AuthValue,
		Workspace: workspace,
		SkillsDir: skillsDir,
	}, client, skillReg, log)

	metrics := observability.NewMetrics()
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "scalyclaw-worker",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	defer func() {
		if err := traceShutdown(context.Background()); err != nil {
			log.Warn(ctx, "trace shutdown failed", "error", err)
		}
	}()
	fabric := queue.NewFabric(client, queue.Config{
		Attempts:    cfg.Queue.Attempts,
		BackoffMs:   int64(cfg.Queue.BackoffMs),
		BackoffType: cfg.Queue.BackoffType,
		Concurrency: map[string]int{queue.Tools: cfg.Queue.Concurrency[queue.Tools]},
	}, log, metrics)
	fabric.SetTracer(tracer)
	w.Register(fabric)
	if err := fabric.Start(ctx); err != nil {
		return err
	}
	go w.Announce(ctx)

	log.Info(ctx, "worker started", "id", w.ID(), "addr", addr)
	return worker.NewServer(w, cfg.Worker.Port, tail, stop).Start(ctx)
}
