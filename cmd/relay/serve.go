package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/leadrelay/internal/audit"
	"github.com/stupiduntilnot/leadrelay/internal/bot"
	cmdpkg "github.com/stupiduntilnot/leadrelay/internal/commander"
	"github.com/stupiduntilnot/leadrelay/internal/config"
	"github.com/stupiduntilnot/leadrelay/internal/control"
	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/dummy"
	"github.com/stupiduntilnot/leadrelay/internal/health"
	"github.com/stupiduntilnot/leadrelay/internal/history"
	"github.com/stupiduntilnot/leadrelay/internal/logger"
	"github.com/stupiduntilnot/leadrelay/internal/metrics"
	modelpkg "github.com/stupiduntilnot/leadrelay/internal/model"
	"github.com/stupiduntilnot/leadrelay/internal/openai"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
	"github.com/stupiduntilnot/leadrelay/internal/relay"
	"github.com/stupiduntilnot/leadrelay/internal/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the chat platform and answer messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, cfg config.RelayConfig, logOut io.Writer) error {
	log := logger.InitGlobal(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: logOut})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	var (
		journal *db.Journal
		offsets bot.OffsetStore = &bot.MemoryOffsets{}
	)
	if cfg.DBPath != "" {
		database, err := openJournal(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		journal = db.NewJournal(database)
		offsets = db.Offsets{DB: database}
	}

	rootID, err := journal.Log(nil, db.EventProcessStarted, map[string]any{
		"role":      "relay",
		"pid":       os.Getpid(),
		"provider":  cfg.ModelProvider,
		"commander": cfg.Commander,
		"model":     cfg.OpenAIModel,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to log process.started")
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}

	store := history.NewStore(cfg.HistoryPath, logger.Component(log, "history"), m)
	orchestrator := relay.New(relay.Deps{
		History:   store,
		Audit:     audit.NewLog(cfg.AuditPath, m),
		Assembler: prompt.NewAssembler(store),
		Provider:  provider,
		Breaker:   control.NewBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		Journal:   journal,
		Metrics:   m,
		Logger:    log,
	}, relay.Options{
		Model:                     cfg.OpenAIModel,
		HistoryLimit:              cfg.HistoryWindow,
		IncludeAssistantInHistory: cfg.IncludeAssistantInHistory,
		Policy:                    completionPolicy(&cfg),
		RootEventID:               rootID,
	})

	poller := &bot.Poller{
		Source: commander,
		Handler: &bot.Dispatcher{
			Relay:       orchestrator,
			Out:         commander,
			DefaultMode: cfg.DefaultMode,
			Journal:     journal,
			RootEventID: rootID,
			Log:         logger.Component(log, "dispatcher"),
		},
		Offsets:     offsets,
		Timeout:     cfg.PollTimeout,
		Idle:        time.Duration(cfg.SleepSeconds) * time.Second,
		Journal:     journal,
		RootEventID: rootID,
		Metrics:     m,
		Log:         logger.Component(log, "poller"),
	}

	log.Info().
		Str("model", cfg.OpenAIModel).
		Str("provider", cfg.ModelProvider).
		Str("commander", cfg.Commander).
		Str("default_mode", cfg.DefaultMode).
		Str("history_path", cfg.HistoryPath).
		Str("audit_path", cfg.AuditPath).
		Msg("relay running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	if cfg.HealthAddr != "" {
		srv := health.NewServer(cfg.HealthAddr, reg, logger.Component(log, "health"))
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()

	rootParent := rootID
	if _, jerr := journal.Log(&rootParent, db.EventProcessStopped, stoppedPayload(err)); jerr != nil {
		log.Warn().Err(jerr).Msg("failed to log process.stopped")
	}
	if err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		return err
	}
	log.Info().Msg("relay stopped")
	return nil
}

func completionPolicy(cfg *config.RelayConfig) control.Policy {
	p := control.DefaultPolicy()
	p.Timeout = cfg.CompletionTimeout
	p.MaxWallTime = cfg.CompletionMaxWallTime
	p.MaxRetries = cfg.CompletionMaxRetries
	return p
}

func stoppedPayload(err error) map[string]any {
	if err == nil {
		return map[string]any{"clean": true}
	}
	return map[string]any{"clean": false, "error": err.Error()}
}

func openJournal(path string) (*sql.DB, error) {
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func newCommander(cfg *config.RelayConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.PollTimeout+20)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(cfg *config.RelayConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIChatCompURL, cfg.OpenAIModel, cfg.CompletionTimeout), nil
	case "dummy":
		return dummy.NewProvider(cfg.OpenAIModel, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
