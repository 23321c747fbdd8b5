// Command backfill runs the batch migration that derives image artifacts
// (thumbnails, fingerprint, upload locations) for records in the relational
// store and propagates them into the search index. It runs to completion
// over the current backlog and exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tendant/image-backfill/internal/blob"
	"github.com/tendant/image-backfill/internal/codec"
	"github.com/tendant/image-backfill/internal/config"
	"github.com/tendant/image-backfill/internal/faillog"
	"github.com/tendant/image-backfill/internal/metrics"
	"github.com/tendant/image-backfill/internal/reconcile"
	"github.com/tendant/image-backfill/internal/search"
	"github.com/tendant/image-backfill/internal/store"
	"github.com/tendant/image-backfill/pkg/backfill"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type runOptions struct {
	domainID   string
	allDomains bool
	batchSize  int
	workers    int
	mode       string
}

func newRootCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:           "backfill",
		Short:         "Backfill derived image artifacts into the record store and search index",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.domainID == "" && !opts.allDomains {
				return fmt.Errorf("either --domain or --all-domains is required")
			}
			if opts.domainID != "" {
				if _, err := uuid.Parse(opts.domainID); err != nil {
					return fmt.Errorf("invalid --domain id %q: %w", opts.domainID, err)
				}
			}
			return runBackfill(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.domainID, "domain", "", "process a single domain id")
	cmd.Flags().BoolVar(&opts.allDomains, "all-domains", false, "process every active domain")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "records per round (default from BACKFILL_BATCH_SIZE)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent records per round (default from BACKFILL_WORKERS)")
	cmd.Flags().StringVar(&opts.mode, "mode", "full", `run mode: "full" or "fill:<label>"`)

	return cmd
}

func runBackfill(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.batchSize > 0 {
		cfg.BatchSize = opts.batchSize
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}

	mode, err := backfill.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	tiers := backfill.DefaultTiers()
	if mode.Kind == backfill.ModeFillVariant && !knownTier(tiers, mode.Label) {
		return fmt.Errorf("unknown size label %q in --mode", mode.Label)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger = logger.With("run_id", uuid.New().String())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Failure to establish the initial store connections is the only thing
	// fatal to the whole process.
	repo, err := store.Open(cfg.ReaderDSN, cfg.WriterDSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	var blobs blob.Store
	if cfg.BlobDir != "" {
		blobs, err = blob.NewFilesystemStore(cfg.BlobDir)
		if err != nil {
			return err
		}
		logger.Info("using filesystem blob store", "dir", cfg.BlobDir)
	} else {
		blobs = blob.NewS3Store(blob.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			KeyID:     cfg.S3KeyID,
			Secret:    cfg.S3Secret,
			PathStyle: cfg.S3PathStyle,
		})
	}

	sink, err := search.NewESSink(search.Config{
		Address:  cfg.ESAddress,
		Username: cfg.ESUsername,
		Password: cfg.ESPassword,
		Stage:    cfg.Stage,
	}, logger)
	if err != nil {
		return err
	}

	failures, err := faillog.Open(cfg.ErrorFile)
	if err != nil {
		return err
	}
	defer failures.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(registry))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	domains := []string{opts.domainID}
	if opts.allDomains {
		domains, err = repo.ListDomains(ctx)
		if err != nil {
			return fmt.Errorf("failed to list domains: %w", err)
		}
		logger.Info("processing all domains", "count", len(domains))
	}

	reconciler := reconcile.New(repo, blobs, codec.New(codec.Config{
		Tiers:     tiers,
		Quality:   cfg.JPEGQuality,
		MaxPixels: cfg.MaxPixels,
	}), sink, failures, m, logger, reconcile.Config{
		Mode:      mode,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Tiers:     tiers,
	})

	summary, runErr := reconciler.Run(ctx, domains)

	fmt.Printf("Backfill finished: %s\n", summary)
	fmt.Printf("Failed records (if any) appended to: %s\n", failures.Path())

	// Per-record and per-batch failures do not change the exit code; only
	// cancellation or a run that could not proceed at all does.
	return runErr
}

func knownTier(tiers []backfill.Tier, label string) bool {
	for _, t := range tiers {
		if t.Label == label {
			return true
		}
	}
	return false
}
