package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atendai/atendai/internal/commerce"
	"github.com/atendai/atendai/internal/config"
	"github.com/atendai/atendai/internal/debounce"
	"github.com/atendai/atendai/internal/delivery"
	"github.com/atendai/atendai/internal/dialogue"
	"github.com/atendai/atendai/internal/guard"
	"github.com/atendai/atendai/internal/history"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/pipeline"
	"github.com/atendai/atendai/internal/providers"
	"github.com/atendai/atendai/internal/store"
	"github.com/atendai/atendai/internal/store/pg"
	"github.com/atendai/atendai/internal/store/sqlite"
	"github.com/atendai/atendai/internal/sweep"
	"github.com/atendai/atendai/internal/telemetry"
	"github.com/atendai/atendai/internal/tools"
	"github.com/atendai/atendai/internal/transcribe"
	"github.com/atendai/atendai/internal/webhook"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	}, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	provider := buildProvider(cfg)

	registry := buildToolRegistry(cfg)
	engine := dialogue.NewEngine(provider, registry, cfg.Provider.Model, cfg.Pipeline.MaxToolRounds)

	sender := delivery.NewSender(cfg.Gateway.BaseURL, cfg.Gateway.APIKey)
	tracker := intervention.NewTracker(stores.Interventions)
	classifier := guard.NewClassifier(stores.Blocks)
	assembler := history.NewAssembler(cfg.Pipeline.HistoryTurns)

	pipe := pipeline.New(pipeline.Config{
		Stores:        stores,
		Interventions: tracker,
		Assembler:     assembler,
		Engine:        engine,
		Sender:        sender,
		TurnTimeout:   cfg.TurnTimeout(),
	})

	debouncer := debounce.NewAccumulator(cfg.DebounceWindow(), pipe.HandleTurn)

	var transcriber webhook.Transcriber
	if cfg.Transcription.Enabled {
		transcriber = transcribe.NewClient(
			cfg.Transcription.APIBase,
			cfg.Transcription.APIKey,
			cfg.Transcription.Model,
			cfg.Transcription.Language,
		)
	}

	handler := webhook.NewHandler(webhook.HandlerConfig{
		Instances:   stores.Instances,
		Classifier:  classifier,
		Tracker:     tracker,
		Debouncer:   debouncer,
		Transcriber: transcriber,
		Media:       sender,
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper, err := sweep.NewSweeper(sweep.Jobs(stores, tracker, classifier))
	if err != nil {
		slog.Error("sweeper setup failed", "error", err)
		os.Exit(1)
	}

	if err := config.Watch(ctx, cfg, cfgPath); err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	}

	slog.Info("atendai gateway starting",
		"version", Version,
		"addr", srv.Addr,
		"provider", provider.Name(),
		"model", cfg.Provider.Model,
		"db_driver", cfg.Database.Driver,
		"tools", len(registry.Definitions()),
		"debounce", cfg.DebounceWindow(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sweeper.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("graceful shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}

		// Flush pending turns so quiet-window messages are not lost.
		debouncer.FlushAll()
		debouncer.Close()

		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry flush failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// buildProvider picks the model backend. Anything that is not
// Anthropic goes through the OpenAI-compatible client with an optional
// base URL override.
func buildProvider(cfg *config.Config) providers.Provider {
	if cfg.Provider.Name == "anthropic" {
		return providers.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	}
	return providers.NewOpenAIProvider(
		cfg.Provider.Name,
		cfg.Provider.APIKey,
		cfg.Provider.APIBase,
		cfg.Provider.Model,
	)
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return pg.NewStores(cfg.Database.PostgresDSN)
	case "sqlite":
		return sqlite.NewStores(cfg.Database.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildToolRegistry wires the commerce tools over whichever backends
// the deployment configured. Unconfigured backends leave their tools
// unregistered.
func buildToolRegistry(cfg *config.Config) *tools.Registry {
	var catalog tools.CatalogProvider
	var orders tools.OrderProvider
	var pages tools.PageProvider
	var links tools.LinkBuilder
	if cfg.Commerce.StorefrontBaseURL != "" {
		sf := commerce.NewStorefrontClient(cfg.Commerce.StorefrontBaseURL, cfg.Commerce.StorefrontToken)
		catalog, orders, pages = sf, sf, sf
		links = &tools.StorefrontLinks{BaseURL: cfg.Commerce.StorefrontBaseURL}
	}

	var tracking tools.TrackingProvider
	if cfg.Commerce.CarrierBaseURL != "" {
		tracking = commerce.NewCarrierClient(cfg.Commerce.CarrierBaseURL)
	}

	return tools.NewCommerceRegistry(catalog, orders, tracking, pages, links)
}
