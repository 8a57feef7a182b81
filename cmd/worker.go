package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/embedding"
	"github.com/nexcrm/nexcrm/internal/ingest"
	"github.com/nexcrm/nexcrm/internal/metrics"
	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
)

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker",
	Long: `worker claims jobs from the durable ingestion queue and processes them
until interrupted: fetching records, cleaning and chunking content,
embedding chunks and writing the retrieval index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := store.New(a.pool, a.logger)
		if err != nil {
			return err
		}
		fetcher, err := source.NewFetcher(a.pool)
		if err != nil {
			return err
		}
		embedder, err := embedding.NewServiceFromConfig(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}

		m := metrics.New()
		embedder.OnDegrade(func(int) { m.EmbedDegraded.Inc() })
		if workerMetricsAddr != "" {
			go serveMetrics(a, m, workerMetricsAddr)
		}

		pipeline, err := ingest.New(st, fetcher, embedder, a.cfg.Ingest, m, a.logger)
		if err != nil {
			return err
		}
		defer pipeline.Release()

		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func serveMetrics(a *app, m *metrics.Metrics, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("metrics server failed", "error", err)
	}
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "",
		fmt.Sprintf("address for the Prometheus /metrics endpoint (e.g. %q); disabled when empty", ":9090"))
	rootCmd.AddCommand(workerCmd)
}
