package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rahul/matseg/internal/agent"
	"github.com/rahul/matseg/internal/gateway"
	"github.com/rahul/matseg/internal/governance"
	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"github.com/rahul/matseg/internal/tools"
	"github.com/rahul/matseg/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	kong.Parse(&cli,
		kong.Name("matseg"),
		kong.Description("Agentic segmentation backend for material micrographs."),
		kongVars(),
	)

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "matseg: %v\n", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	if !cli.NoBanner {
		observability.PrintBanner(os.Stdout)
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	if cli.Verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	z, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer z.Sync()

	logger := observability.NewLogger(z, cfg.App.LogDir)
	if cfg.Events.NATSURL != "" {
		pub, err := observability.DialNATS(cfg.Events.NATSURL)
		if err != nil {
			z.Warn("event fan-out disabled", zap.String("nats_url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			defer pub.Close()
			logger.WithPublisher(pub, cfg.Events.SubjectPrefix)
		}
	}

	for _, dir := range []string{cfg.App.UploadDir, filepath.Join(cfg.App.StaticDir, "masks")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	var (
		journal       agent.Journal
		journalReader gateway.JournalReader
	)
	if cfg.Memory.Path != "" {
		history, err := store.NewHistoryStore(cfg.Memory.Path)
		if err != nil {
			return err
		}
		defer history.Close()
		journal, journalReader = history, history
	}

	sessions := store.NewSessions(cfg.Sessions.Capacity, cfg.Sessions.TTL.Duration)
	sessions.OnEvict(func(m *store.SessionMemory) {
		logger.LogSession(m.ID, "evicted")
		if m.ImagePath == "" {
			return
		}
		if err := os.Remove(m.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			z.Warn("failed to remove session image", zap.String("session_id", m.ID), zap.Error(err))
		}
	})

	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return errors.New("no enabled provider found in config")
	}
	plannerLLM, err := newModel(pName, pCfg, pCfg.Model)
	if err != nil {
		return err
	}
	visionModel := pCfg.VisionModel
	if visionModel == "" {
		visionModel = pCfg.Model
	}
	visionLLM, err := newModel(pName, pCfg, visionModel)
	if err != nil {
		return err
	}

	segmenter := tools.NewSegmentationClient(cfg.Segmentation.BaseURL, cfg.Segmentation.Timeout.Duration)
	vision := tools.NewVisionClient(visionLLM)

	registry := tools.NewRegistry()
	registry.Register(segmenter)
	registry.Register(vision)
	registry.Register(tools.FinishTool{})

	policy, err := governance.NewPolicyEngine(cfg.Agent.DeniedTools, cfg.Agent.DeniedPatterns)
	if err != nil {
		return err
	}

	planner := agent.NewPlanner(agent.NewLLMOracle(plannerLLM), agent.NewPromptManager(cfg.Agent.PromptsDir), registry, logger)
	dispatcher := agent.NewDispatcher(segmenter, vision, policy, logger)
	orchestrator := agent.NewOrchestrator(sessions, planner, dispatcher, logger)
	orchestrator.Journal = journal
	orchestrator.Warmer = segmenter
	orchestrator.MaxSteps = cfg.Agent.MaxSteps

	var gateways []gateway.Gateway
	addr := cfg.HTTPAddr()
	if cli.Addr != "" {
		addr = cli.Addr
	}
	if addr != "" {
		gateways = append(gateways, gateway.NewHTTPGateway(orchestrator, sessions, journalReader, gateway.HTTPOptions{
			Addr:      addr,
			UploadDir: cfg.App.UploadDir,
			StaticDir: cfg.App.StaticDir,
		}, logger))
	}
	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, orchestrator, cfg.App.UploadDir, logger)
		if err != nil {
			return fmt.Errorf("telegram gateway: %w", err)
		}
		sessions.OnEvict(gateway.NotifyEvicted(tg, logger))
		gateways = append(gateways, tg)
	}
	if len(gateways) == 0 {
		return errors.New("no gateway enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range gateways {
		g.Go(gw.Start)
	}

	scheduler := agent.NewScheduler(sessions, logger, cfg.Sessions.SweepInterval.Duration)
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		for _, gw := range gateways {
			if err := gw.Stop(); err != nil {
				z.Warn("gateway shutdown", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()
	z.Info("shutting down", zap.String("status", observability.StatusLine()))
	return err
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// newModel builds a chat model for an OpenAI-compatible provider.
func newModel(provider string, p config.ProviderConfig, model string) (llms.Model, error) {
	switch provider {
	case "openai", "openrouter", "dashscope":
		opts := []openai.Option{
			openai.WithToken(p.Key()),
			openai.WithModel(model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not yet implemented", provider)
	}
}
