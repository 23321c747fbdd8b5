// Package reconcile implements the batch reconciliation engine: it decides
// which records need derived artifacts, processes them with bounded
// concurrency, applies partial-failure-tolerant writes to the record store
// and the search index, and resumes cleanly after interruption by
// re-evaluating candidacy instead of keeping a checkpoint store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/image-backfill/internal/blob"
	"github.com/tendant/image-backfill/internal/codec"
	"github.com/tendant/image-backfill/internal/metrics"
	"github.com/tendant/image-backfill/internal/search"
	"github.com/tendant/image-backfill/pkg/backfill"
)

// Repository is the slice of the record store the reconciler needs.
type Repository interface {
	CountCandidates(ctx context.Context, domainID string, mode backfill.Mode) (int, error)
	FetchCandidateBatch(ctx context.Context, domainID string, mode backfill.Mode, offset, limit int) ([]backfill.RecordView, error)
	ApplyDerivedUpdates(ctx context.Context, updates []backfill.DerivedUpdate) (int, error)
}

// FailureLog receives every skipped record for offline inspection.
type FailureLog interface {
	Record(id string, stage backfill.Stage, reason error)
}

// Config tunes one run.
type Config struct {
	Mode      backfill.Mode
	BatchSize int
	Workers   int
	Tiers     []backfill.Tier
}

// Reconciler drives domains to completion, batch by batch, with bounded
// memory and bounded blast radius per failure.
type Reconciler struct {
	repo     Repository
	blobs    blob.Store
	codec    *codec.Codec
	sink     search.Sink
	failures FailureLog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
}

// New creates a reconciler, applying defaults for unset config fields.
func New(repo Repository, blobs blob.Store, c *codec.Codec, sink search.Sink,
	failures FailureLog, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = backfill.DefaultTiers()
	}
	return &Reconciler{
		repo:     repo,
		blobs:    blobs,
		codec:    c,
		sink:     sink,
		failures: failures,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Summary is the terminal report of a run.
type Summary struct {
	DomainsProcessed int
	DomainsFailed    int
	RecordsUpdated   int
	RecordsSkipped   int
	RoundsFailed     int
	IndexFailures    int
}

func (s *Summary) add(other Summary) {
	s.DomainsProcessed += other.DomainsProcessed
	s.DomainsFailed += other.DomainsFailed
	s.RecordsUpdated += other.RecordsUpdated
	s.RecordsSkipped += other.RecordsSkipped
	s.RoundsFailed += other.RoundsFailed
	s.IndexFailures += other.IndexFailures
}

func (s Summary) String() string {
	return fmt.Sprintf("domains=%d domains_failed=%d updated=%d skipped=%d rounds_failed=%d index_failures=%d",
		s.DomainsProcessed, s.DomainsFailed, s.RecordsUpdated, s.RecordsSkipped, s.RoundsFailed, s.IndexFailures)
}

// Run drives every requested domain sequentially. Domain-level failures are
// logged and do not stop the run; only cancellation does.
func (r *Reconciler) Run(ctx context.Context, domainIDs []string) (Summary, error) {
	var total Summary
	for _, domainID := range domainIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		sum, err := r.runDomain(ctx, domainID)
		total.add(sum)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return total, err
			}
			r.logger.Error("domain run failed", "domain_id", domainID, "error", err)
			total.DomainsFailed++
			continue
		}
		total.DomainsProcessed++
		r.metrics.DomainsProcessed.Inc()
	}
	return total, nil
}

// runDomain runs rounds of fetch-process-persist-index until the candidate
// set is exhausted. The fetch offset tracks only records that stayed
// candidates after being seen (skips and abandoned batches); committed
// records leave the candidate set on their own, so a completed run leaves
// nothing behind and a re-run is a no-op.
func (r *Reconciler) runDomain(ctx context.Context, domainID string) (Summary, error) {
	var sum Summary
	logger := r.logger.With("domain_id", domainID, "mode", r.cfg.Mode.String())

	total, err := r.repo.CountCandidates(ctx, domainID, r.cfg.Mode)
	if err != nil {
		return sum, fmt.Errorf("failed to count candidates: %w", err)
	}
	logger.Info("starting domain reconciliation", "candidates", total)

	offset := 0
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rlog := logger.With("round", round, "offset", offset)

		// Fetching. A connectivity failure abandons the domain without
		// advancing the offset; the next invocation retries from the same
		// point because the records are still candidates.
		batch, err := r.repo.FetchCandidateBatch(ctx, domainID, r.cfg.Mode, offset, r.cfg.BatchSize)
		if err != nil {
			sum.RoundsFailed++
			r.metrics.RoundsFailed.Inc()
			return sum, fmt.Errorf("failed to fetch candidate batch: %w", err)
		}
		if len(batch) == 0 {
			logger.Info("domain reconciliation complete",
				"updated", sum.RecordsUpdated, "skipped", sum.RecordsSkipped)
			return sum, nil
		}

		// Dispatching + Collecting.
		outcomes := r.dispatch(ctx, batch)

		updates := make([]backfill.DerivedUpdate, 0, len(batch))
		indexUpdates := make([]backfill.IndexUpdate, 0, len(batch))
		for i, out := range outcomes {
			rec := batch[i]
			switch {
			case out.err != nil:
				r.failures.Record(rec.ID, out.err.Stage, out.err.Err)
				r.metrics.RecordsSkipped.WithLabelValues(string(out.err.Stage)).Inc()
				sum.RecordsSkipped++
				offset++ // still a candidate, fetch past it next round
				rlog.Warn("record skipped",
					"record_id", rec.ID, "stage", out.err.Stage, "error", out.err.Err)
			case out.derived == nil:
				// Fill-variant run with nothing to add (source resolution
				// below the tier): no write-back, row keeps matching
				// candidacy.
				sum.RecordsSkipped++
				offset++
				rlog.Debug("record has no variant to fill", "record_id", rec.ID)
			default:
				updates = append(updates, backfill.DerivedUpdate{ID: rec.ID, Derived: out.derived})
				indexUpdates = append(indexUpdates, backfill.IndexUpdate{
					ID: rec.ID, DomainID: rec.DomainID, Derived: out.derived,
				})
			}
		}

		if len(updates) == 0 {
			continue
		}

		// Persisting: one transactional write for the whole batch.
		applied, err := r.repo.ApplyDerivedUpdates(ctx, updates)
		if err != nil {
			// The whole write-back is abandoned; the records remain
			// candidates for the next invocation. Advance past them so this
			// run keeps making progress on the rest of the backlog.
			rlog.Error("batch commit failed", "records", len(updates), "error", err)
			r.metrics.RoundsFailed.Inc()
			sum.RoundsFailed++
			offset += len(updates)
			continue
		}
		sum.RecordsUpdated += applied
		r.metrics.RecordsUpdated.Add(float64(applied))

		// Indexing: only committed records are forwarded. The index is
		// rebuildable from the store of record, so a failure here is logged
		// and never rolls back the relational commit.
		if err := r.sink.UpsertBatch(ctx, domainID, indexUpdates); err != nil {
			rlog.Error("index upsert failed, store of record stands",
				"records", len(indexUpdates), "error", err)
			r.metrics.IndexFailures.Inc()
			sum.IndexFailures++
		}
	}
}

// outcome is the write-once result slot of one record. Exactly one of
// derived and err is set; both nil means there was nothing to do.
type outcome struct {
	derived *backfill.DerivedArtifact
	err     *backfill.RecordError
}

// dispatch processes the batch under the worker limit. Each worker owns its
// record end-to-end (download, encode, upload) with no shared mutable state
// besides its own result slot; Wait is the join barrier.
func (r *Reconciler) dispatch(ctx context.Context, batch []backfill.RecordView) []outcome {
	outcomes := make([]outcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i := range batch {
		i := i
		g.Go(func() error {
			outcomes[i] = r.processRecord(gctx, batch[i])
			return nil
		})
	}
	// Workers never return errors; per-record failures live in the slots.
	_ = g.Wait()
	return outcomes
}

func (r *Reconciler) processRecord(ctx context.Context, rec backfill.RecordView) outcome {
	fail := func(stage backfill.Stage, err error) outcome {
		return outcome{err: &backfill.RecordError{RecordID: rec.ID, Stage: stage, Err: err}}
	}

	src, err := blob.ParseLocator(rec.SourceURI)
	if err != nil {
		return fail(backfill.StageFetch, err)
	}

	data, err := r.blobs.Get(ctx, rec.SourceURI)
	if err != nil {
		return fail(backfill.StageFetch, err)
	}

	if r.cfg.Mode.Kind == backfill.ModeFillVariant && rec.Derived != nil {
		return r.fillVariant(ctx, rec, src, data)
	}
	return r.fullArtifact(ctx, rec, src, data)
}

// fullArtifact produces the complete derived artifact: raw and compressed
// locations, every tier the resolution covers, and the fingerprint.
func (r *Reconciler) fullArtifact(ctx context.Context, rec backfill.RecordView, src blob.Locator, data []byte) outcome {
	result, err := r.codec.Produce(data)
	if err != nil {
		return outcome{err: &backfill.RecordError{RecordID: rec.ID, Stage: codecStage(err), Err: err}}
	}

	locations, err := r.uploadVariants(ctx, src, result.Variants)
	if err != nil {
		return outcome{err: &backfill.RecordError{RecordID: rec.ID, Stage: backfill.StageUpload, Err: err}}
	}
	locations[backfill.LocationRaw] = strings.ReplaceAll(rec.SourceURI, "%2F", "/")

	return outcome{derived: &backfill.DerivedArtifact{
		Resolution:  result.Resolution,
		Locations:   locations,
		Fingerprint: result.Fingerprint,
	}}
}

// fillVariant tops up an existing artifact with the missing tiers. The
// merged location map is always a superset of the existing one; existing
// entries, the resolution and the fingerprint are left untouched.
func (r *Reconciler) fillVariant(ctx context.Context, rec backfill.RecordView, src blob.Locator, data []byte) outcome {
	missing := r.missingTiers(rec.Derived)
	if len(missing) == 0 {
		return outcome{}
	}

	result, err := r.codec.ProduceMissing(data, missing)
	if err != nil {
		return outcome{err: &backfill.RecordError{RecordID: rec.ID, Stage: codecStage(err), Err: err}}
	}
	if len(result.Variants) == 0 {
		return outcome{}
	}

	locations, err := r.uploadVariants(ctx, src, result.Variants)
	if err != nil {
		return outcome{err: &backfill.RecordError{RecordID: rec.ID, Stage: backfill.StageUpload, Err: err}}
	}

	merged := rec.Derived.Clone()
	if merged.Locations == nil {
		merged.Locations = make(map[string]string, len(locations))
	}
	for label, uri := range locations {
		merged.Locations[label] = uri
	}
	return outcome{derived: merged}
}

// missingTiers selects the configured tiers absent from the existing
// location map, restricted to the mode's label.
func (r *Reconciler) missingTiers(existing *backfill.DerivedArtifact) []backfill.Tier {
	var out []backfill.Tier
	for _, tier := range r.cfg.Tiers {
		if r.cfg.Mode.Label != "" && tier.Label != r.cfg.Mode.Label {
			continue
		}
		if existing != nil && existing.Locations[tier.Label] != "" {
			continue
		}
		out = append(out, tier)
	}
	return out
}

// uploadVariants uploads every encoded variant. Any failure fails the whole
// record so a half-uploaded artifact is never persisted.
func (r *Reconciler) uploadVariants(ctx context.Context, src blob.Locator, variants []codec.Variant) (map[string]string, error) {
	locations := make(map[string]string, len(variants)+1)
	for _, v := range variants {
		dest := src.VariantLocator(v.Label)
		uri, err := r.blobs.Put(ctx, dest.String(), v.Data, "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s variant: %w", v.Label, err)
		}
		locations[v.Label] = uri
	}
	return locations, nil
}

// codecStage classifies a codec error into its pipeline stage.
func codecStage(err error) backfill.Stage {
	if errors.Is(err, backfill.ErrEncodeFailed) {
		return backfill.StageEncode
	}
	return backfill.StageDecode
}
