// Package main is the JARVIS backend entry point.
//
// JARVIS is the orchestration engine for a voice-enabled homelab command
// center: it fronts a Proxmox cluster with a safety-gated tool catalog, an
// agentic LLM loop, a streaming TTS pipeline, and a single multiplexed
// websocket for the dashboard and voice satellites.
//
// Start the server:
//
//	jarvis serve
//
// Configuration comes from the environment. The required variables are
// JWT_SECRET and JARVIS_PASSWORD; see internal/config for the full list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/agent/contextmgr"
	"github.com/jarvishq/jarvis/internal/agent/providers"
	"github.com/jarvishq/jarvis/internal/agent/routing"
	"github.com/jarvishq/jarvis/internal/auth"
	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/gateway"
	"github.com/jarvishq/jarvis/internal/health"
	"github.com/jarvishq/jarvis/internal/infra/proxmox"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/internal/stt"
	"github.com/jarvishq/jarvis/internal/telemetry"
	"github.com/jarvishq/jarvis/internal/tools"
	"github.com/jarvishq/jarvis/internal/tts"
	"github.com/jarvishq/jarvis/pkg/models"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const systemPrompt = `You are JARVIS, the operator's homelab assistant. You manage a Proxmox cluster through the tools provided.

Rules:
- Use tools to answer infrastructure questions; never guess cluster state.
- Destructive operations require explicit user confirmation. If a tool is held for confirmation, tell the user what you wanted to do and why.
- Be concise. Responses may be spoken aloud, so avoid markdown, tables, and long lists.
- When an operation fails, report the actual error and suggest the next diagnostic step.`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "jarvis",
		Short:        "JARVIS - homelab command center backend",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(logger))
	return rootCmd
}

func buildServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logger)
		},
	}
}

func runServe(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	inventory, err := config.LoadInventory(cfg.InventoryPath)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	if len(inventory.Nodes) == 0 {
		return fmt.Errorf("inventory %s lists no nodes", cfg.InventoryPath)
	}

	st, err := store.OpenSQLite(cfg.Database.Path, store.DefaultRetention(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	// The cluster API is reachable through any node; use the first.
	entry := inventory.Nodes[0]
	pve := proxmox.New(proxmox.Config{
		BaseURL:       fmt.Sprintf("https://%s:%d", entry.Host, entry.APIPort),
		TokenID:       cfg.Proxmox.TokenID,
		TokenSecret:   cfg.Proxmox.TokenSecret,
		SkipTLSVerify: cfg.Proxmox.SkipTLSVerify,
		CacheTTL:      cfg.Proxmox.CacheTTL,
	})

	pool, err := sshpool.New(sshpool.Config{
		KeyPath:               cfg.SSH.KeyPath,
		User:                  cfg.SSH.User,
		ConnectTimeout:        cfg.SSH.ConnectTimeout,
		DefaultCommandTimeout: cfg.SSH.CommandTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("ssh pool: %w", err)
	}
	defer pool.CloseAll()

	registry, err := tools.BuildRegistry(tools.CatalogConfig{
		Proxmox:   pve,
		SSH:       pool,
		Inventory: inventory,
	})
	if err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}

	protected := safety.NewProtectedSet(
		inventory.Protected.Nodes,
		inventory.Protected.VMIDs,
		inventory.Protected.Services,
		inventory.Protected.IPs,
	)
	policy := safety.New(protected, registry.TierOf)
	executor := tools.NewExecutor(registry, policy, st, logger)

	agentic, err := providers.NewAnthropic(providers.AnthropicConfig{
		APIKey: cfg.LLM.AgenticAPIKey,
	})
	if err != nil {
		return fmt.Errorf("anthropic provider: %w", err)
	}
	var conversational agent.LLMProvider
	if cfg.LLM.ConversationalEndpoint != "" {
		conv, err := providers.NewLlamaCpp(providers.LlamaCppConfig{
			Endpoint: cfg.LLM.ConversationalEndpoint,
			Model:    cfg.LLM.ConversationalModel,
		})
		if err != nil {
			return fmt.Errorf("llama.cpp provider: %w", err)
		}
		conversational = conv
	} else {
		// Without a local model everything routes to the agentic provider.
		logger.Warn("no conversational endpoint configured, routing all traffic to the agentic provider")
		conversational = agentic
	}
	router := routing.New(conversational, agentic)

	confirmations := agent.NewConfirmations()
	loop := agent.NewLoop(agentic, executor, st, confirmations, agent.LoopConfig{}, logger)
	loop.SetSystemPrompt(systemPrompt)
	loop.SetModel(cfg.LLM.AgenticModel)

	ctxMgr := contextmgr.New(st, conversational, logger)
	loop.SetSummarizer(ctxMgr.Summary)

	pipeline, monitor := buildTTS(cfg, logger)

	var transcriber stt.Transcriber
	if cfg.STT.Endpoint != "" {
		transcriber = stt.NewWhisper(cfg.STT.Endpoint, cfg.STT.Language, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *gateway.Server
	emitter := telemetry.New(telemetry.Config{
		Cluster:   pve,
		Runner:    pool,
		Inventory: inventory,
		Logger:    logger,
		AlertFunc: func(cause, message string) {
			event := &models.Event{
				Type:       cause,
				Severity:   "warning",
				Detail:     map[string]any{"message": message},
				OccurredAt: time.Now().UTC(),
			}
			if err := st.SaveEvent(context.Background(), event); err != nil {
				logger.Error("failed to persist alert", "cause", cause, "error", err)
			}
			if server != nil {
				server.Broadcast("alert:notification", map[string]any{
					"cause":   cause,
					"message": message,
				})
				server.Broadcast("event", event)
			}
		},
	})
	executor.SetRefreshHook(emitter.RefreshNow)

	checkers := []health.Checker{
		{Name: "database", Check: func(ctx context.Context) error {
			_, err := st.GetEvents(ctx, models.EventFilter{Limit: 1})
			return err
		}},
		{Name: "proxmox", Check: func(ctx context.Context) error {
			_, err := pve.ClusterStatus(ctx)
			return err
		}},
	}
	if pipeline != nil && monitor != nil {
		checkers = append(checkers, health.Checker{Name: "tts", Check: func(ctx context.Context) error {
			if !monitor.Healthy() {
				return fmt.Errorf("primary engine unhealthy")
			}
			return nil
		}})
	}
	if transcriber != nil {
		if probe, ok := transcriber.(interface{ Healthy(context.Context) error }); ok {
			checkers = append(checkers, health.Checker{Name: "stt", Check: probe.Healthy})
		}
	}

	server = gateway.New(cfg.Server.Port, gateway.Config{
		Auth:            auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Password, cfg.Auth.TokenExpiry),
		Store:           st,
		Loop:            loop,
		Router:          router,
		Context:         ctxMgr,
		Executor:        executor,
		Registry:        registry,
		TTS:             pipeline,
		STT:             transcriber,
		SSH:             pool,
		Inventory:       inventory,
		Telemetry:       emitter,
		Health:          health.New(checkers...),
		OverrideKey:     cfg.Safety.OverrideKey,
		ApprovalKeyword: cfg.Safety.ApprovalKeyword,
		FrigateEndpoint: cfg.Frigate.Endpoint,
		CORSOrigins:     cfg.Server.CORSOrigins,
		Logger:          logger,
	})

	go emitter.Run(ctx)
	if monitor != nil {
		go monitor.Run(ctx)
	}
	if pipeline != nil {
		go pipeline.Prewarm(ctx, 10*time.Second)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return nil
}

// buildTTS assembles the synthesis pipeline from the configured engines.
// Returns nils when no engine is configured; voice replies are then text-only.
func buildTTS(cfg *config.Config, logger *slog.Logger) (*tts.Pipeline, *tts.Monitor) {
	if cfg.TTS.PrimaryEndpoint == "" && cfg.TTS.FallbackEndpoint == "" {
		logger.Warn("no TTS engines configured")
		return nil, nil
	}

	var primary, fallback tts.Engine
	if cfg.TTS.PrimaryEndpoint != "" {
		primary = tts.NewXTTS(cfg.TTS.PrimaryEndpoint, os.Getenv("TTS_SPEAKER"), cfg.STT.Language, 0)
	}
	if cfg.TTS.FallbackEndpoint != "" {
		fallback = tts.NewPiper(cfg.TTS.FallbackEndpoint, os.Getenv("TTS_VOICE"), 0)
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}

	cache, err := tts.NewCache(cfg.TTS.CacheDir, cfg.TTS.CacheMax, logger)
	if err != nil {
		logger.Warn("tts cache disabled", "error", err)
	}

	var transcoder *tts.OpusTranscoder
	if cfg.TTS.OpusEnabled {
		transcoder = tts.NewOpusTranscoder(cfg.TTS.OpusBitrate)
	}

	var monitor *tts.Monitor
	pipelineCfg := tts.Config{
		Primary:    primary,
		Fallback:   fallback,
		Cache:      cache,
		Parallel:   cfg.TTS.MaxParallel,
		Transcoder: transcoder,
		Logger:     logger,
	}
	if fallback != nil {
		monitor = tts.NewMonitor(tts.MonitorConfig{
			Engine:        primary,
			Cooldown:      cfg.TTS.RestartCooldown,
			ContainerName: os.Getenv("TTS_CONTAINER"),
			DockerSocket:  cfg.TTS.ControlSocket,
			Logger:        logger,
		})
		pipelineCfg.PrimaryHealthy = monitor.Healthy
	}
	return tts.NewPipeline(pipelineCfg), monitor
}
