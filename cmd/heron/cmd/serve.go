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

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/audience"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/nlbridge"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/segment"
	"github.com/opensource-finance/heron/internal/tracing"
	"github.com/opensource-finance/heron/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and recalculation worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "HTTP listen host")
	serveCmd.Flags().Int("port", 0, "HTTP listen port")
	serveCmd.Flags().Bool("no-worker", false, "do not consume recalculation jobs in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); noWorker {
		cfg.Worker.Enabled = false
	}

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	var eventBus domain.EventBus
	if cfg.EventBus.Type != "none" {
		eventBus, err = bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer eventBus.Close()
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	cat := catalog.Default()
	compiler := rules.NewCompiler(cat)
	evaluator := audience.NewEvaluator(repo, compiler, audience.WithSampleSize(cfg.Audience.SampleSize))

	bridge, err := newBridge(cfg.Bridge, compiler)
	if err != nil {
		return err
	}

	opts := []segment.Option{
		segment.WithPreviewCache(cacheImpl, cfg.Audience.PreviewTTL),
		segment.WithBridge(bridge),
	}
	if eventBus != nil {
		opts = append(opts, segment.WithEventBus(eventBus))
	}
	segments := segment.NewService(repo, evaluator, opts...)

	var recalcWorker *worker.Worker
	if eventBus != nil && cfg.Worker.Enabled {
		recalcWorker = worker.NewWorker(eventBus, segments, worker.Config{Concurrency: cfg.Worker.Concurrency})
		if err := recalcWorker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		slog.Info("recalculation worker started", "concurrency", cfg.Worker.Concurrency)
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, segments, cat, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"bridge_model", bridge.ModelEnabled(),
		"fallback_version", bridge.FallbackVersion(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	if recalcWorker != nil {
		if err := recalcWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
	return serveErr
}

// newBridge builds the suggestion bridge. Without an endpoint every
// suggestion is answered from the fallback table.
func newBridge(cfg domain.BridgeConfig, compiler *rules.Compiler) (*nlbridge.Bridge, error) {
	table, err := nlbridge.FallbackTableFor(cfg.FallbackVersion)
	if err != nil {
		return nil, err
	}

	var suggester nlbridge.Suggester
	if cfg.Endpoint != "" {
		suggester = nlbridge.NewChatClient(cfg, compiler.Catalog(), nil)
	}
	return nlbridge.New(compiler, suggester, table, nlbridge.WithTimeout(cfg.Timeout)), nil
}

func printBanner(cfg *domain.Config, version string) {
	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  HERON  customer segmentation engine")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    GET    /fields                     - Field catalog")
	fmt.Fprintln(w, "    POST   /segments                   - Create a segment")
	fmt.Fprintln(w, "    GET    /segments                   - List segments")
	fmt.Fprintln(w, "    GET    /segments/{id}              - Get a segment")
	fmt.Fprintln(w, "    PUT    /segments/{id}              - Update a segment")
	fmt.Fprintln(w, "    DELETE /segments/{id}              - Delete a segment")
	fmt.Fprintln(w, "    POST   /segments/preview           - Preview an audience")
	fmt.Fprintln(w, "    POST   /segments/suggest           - Rules from plain text")
	fmt.Fprintln(w, "    POST   /segments/{id}/recalculate  - Recalculate one segment")
	fmt.Fprintln(w, "    POST   /segments/recalculate       - Recalculate every segment")
	fmt.Fprintln(w, "    GET    /health                     - Health check")
	fmt.Fprintln(w)
}
