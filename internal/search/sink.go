// Package search propagates derived artifacts into the search index via
// batched, idempotent bulk upserts.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/tendant/image-backfill/pkg/backfill"
)

// maxBulkRetries bounds transport-level retries of one bulk call.
const maxBulkRetries = 3

// Sink is the search index contract the reconciler depends on.
type Sink interface {
	// UpsertBatch upserts the derived fields of the given records into the
	// per-domain index. Documents are created if absent and merge-patched
	// if present, so repeating a call is safe.
	UpsertBatch(ctx context.Context, domainID string, updates []backfill.IndexUpdate) error
}

// Config configures the Elasticsearch sink.
type Config struct {
	Address  string
	Username string
	Password string
	Stage    string // embedded in index names: {domain}_{stage}_image
}

// ESSink implements Sink over the Elasticsearch bulk API.
type ESSink struct {
	client *elasticsearch.Client
	stage  string
	logger *slog.Logger
}

// NewESSink creates the sink. Construction does not dial; connectivity
// problems surface on the first bulk call.
func NewESSink(cfg Config, logger *slog.Logger) (*ESSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Address},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ESSink{client: client, stage: cfg.Stage, logger: logger}, nil
}

// indexName is the per-tenant index the documents land in.
func indexName(domainID, stage string) string {
	return fmt.Sprintf("%s_%s_image", domainID, stage)
}

// bulkBody renders the request as pairs of update actions and partial
// documents with doc_as_upsert set, keyed by record id. Only the derived
// field is sent, never the full record.
func bulkBody(index string, updates []backfill.IndexUpdate) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, u := range updates {
		action := map[string]any{
			"update": map[string]any{
				"_index": index,
				"_id":    u.ID,
			},
		}
		doc := map[string]any{
			"doc": map[string]any{
				"thumbnail_info": u.Derived,
			},
			"doc_as_upsert": true,
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action for %s: %w", u.ID, err)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode bulk doc for %s: %w", u.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// bulkResponse is the slice of the bulk API response needed to surface
// per-item failures.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Update struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"update"`
	} `json:"items"`
}

// UpsertBatch sends one bulk call for the batch. A transport-level failure
// is retried a small fixed number of times with exponential backoff before
// being returned to the caller as a round-level failure. Per-item failures
// do not fail the call: each failing item is logged individually with its
// id.
func (s *ESSink) UpsertBatch(ctx context.Context, domainID string, updates []backfill.IndexUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	index := indexName(domainID, s.stage)
	body, err := bulkBody(index, updates)
	if err != nil {
		return err
	}

	attempt := func() error {
		res, err := s.client.Bulk(bytes.NewReader(body),
			s.client.Bulk.WithContext(ctx),
			s.client.Bulk.WithRefresh("true"),
		)
		if err != nil {
			return fmt.Errorf("bulk request failed: %w", err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return fmt.Errorf("bulk request rejected: %s", res.Status())
		}

		var parsed bulkResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode bulk response: %w", err))
		}
		if parsed.Errors {
			for _, item := range parsed.Items {
				if len(item.Update.Error) > 0 {
					s.logger.Error("index upsert failed for record",
						"record_id", item.Update.ID,
						"index", index,
						"status", item.Update.Status,
						"error", string(item.Update.Error))
				}
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
		), maxBulkRetries),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}
