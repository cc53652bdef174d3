// Platform server - runs live transcription sessions and offline reconciliation
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/meeting-tensor/platform/internal/config"
	"github.com/meeting-tensor/platform/internal/llm"
	"github.com/meeting-tensor/platform/internal/media"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator"
	"github.com/meeting-tensor/platform/internal/reconcile"
	"github.com/meeting-tensor/platform/internal/resilience"
	"github.com/meeting-tensor/platform/internal/server"
	"github.com/meeting-tensor/platform/internal/speech"
	"github.com/meeting-tensor/platform/internal/storage"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/trace"
)

const (
	shutdownTimeout = 15 * time.Second
	// Queued reconciliations get this long to finish before they are cancelled
	drainTimeout = 2 * time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "platform",
		Short:         "Live meeting transcription with silence-driven suggestions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if configFile != "" {
				return os.Setenv("CONFIG_FILE", configFile)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides CONFIG_FILE)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), serveMode)
		},
	}
	root.RunE = serve.RunE
	root.AddCommand(serve, newReconcileCmd())
	return root
}

func newReconcileCmd() *cobra.Command {
	var meetingID, audioPath string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-run offline reconciliation for one recorded meeting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithTimeout(ctx, a.cfg.ReconcileTimeout)
				defer cancel()
				if audioPath == "" {
					m, err := a.store.GetMeeting(ctx, meetingID)
					if err != nil {
						return err
					}
					audioPath = m.AudioPath
				}
				res, err := a.job.Run(ctx, meetingID, audioPath)
				if err != nil {
					return err
				}
				slog.Info("reconciled", "meeting_id", meetingID, "sentences", res.Sentences, "task_id", res.TaskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&meetingID, "meeting", "", "meeting id")
	cmd.Flags().StringVar(&audioPath, "audio", "", "recorded audio file (defaults to the meeting's recording)")
	_ = cmd.MarkFlagRequired("meeting")
	return cmd
}

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
	objects  *storage.Local
	job      *reconcile.Job
}

func run(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: trace.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return err
	}
	defer func() { _ = a.store.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := fn(ctx, a); err != nil {
		slog.Error("command failed", "error", err)
		return err
	}
	return nil
}

func newApp(cfg *config.Config) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	objects, err := storage.NewLocal(cfg.StorageDir, cfg.PublicBaseURL, cfg.StorageSecret, cfg.SignedURLTTL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	batch := speech.NewBatch(speech.BatchConfig{
		BaseURL:      cfg.BatchURL,
		APIKey:       cfg.DashScopeAPIKey,
		Model:        cfg.BatchModel,
		PollInterval: cfg.BatchPollInterval,
	})
	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath, cfg.SampleRate, os.TempDir())

	return &app{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		store:    st,
		objects:  objects,
		job:      reconcile.NewJob(ffmpeg, objects, batch, st, m),
	}, nil
}

func serveMode(ctx context.Context, a *app) error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One breaker guards the language model for every session.
	breaker := resilience.New("llm", resilience.LLMConfig()).WithHook(func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		a.metrics.RecordBreakerState(name, int(to))
	})
	gen := llm.New(llm.Config{
		BaseURL: cfg.LLMURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}).WithBreaker(breaker)

	rt := speech.NewRealtime(speech.RealtimeConfig{
		URL:        cfg.SpeechURL,
		APIKey:     cfg.DashScopeAPIKey,
		Model:      cfg.SpeechModel,
		SampleRate: cfg.SampleRate,
	})

	queue := reconcile.NewQueue(a.job, cfg.ReconcileWorkers, cfg.ReconcileQueue, cfg.ReconcileTimeout, a.metrics)
	mgr := orchestrator.New(orchestrator.RealtimeProvider(rt), a.store, gen, queue, a.metrics, orchestrator.OptionsFromConfig(cfg))
	srv := server.New(mgr, a.store, a.objects.Handler(), a.registry, a.metrics, cfg)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("platform server starting", "http", cfg.HTTPAddr, "config", cfg.String())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	mgr.CloseAll(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := queue.Stop(drainCtx); err != nil {
		slog.Warn("reconciliation queue not drained", "pending", queue.Pending(), "error", err)
	}

	slog.Info("shutdown complete")
	return serveErr
}
