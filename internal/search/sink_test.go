package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-backfill/pkg/backfill"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUpdates() []backfill.IndexUpdate {
	return []backfill.IndexUpdate{
		{
			ID:       "r1",
			DomainID: "dom-1",
			Derived: &backfill.DerivedArtifact{
				Resolution:  backfill.Resolution{Width: 1200, Height: 1200},
				Locations:   map[string]string{"raw": "bucket/images/1.jpg"},
				Fingerprint: "LEHV6nWB2yk8pyo0adR*.7kCMdnj",
			},
		},
	}
}

// elasticHandler wraps a handler with the product header the v8 client
// verifies on its first response.
func elasticHandler(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		h(w, r)
	})
}

func newTestSink(t *testing.T, url string) *ESSink {
	t.Helper()
	sink, err := NewESSink(Config{Address: url, Stage: "dev"}, testLogger())
	require.NoError(t, err)
	return sink
}

func TestUpsertBatchWireFormat(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(elasticHandler(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_bulk", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":false,"items":[]}`)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	require.NoError(t, sink.UpsertBatch(context.Background(), "dom-1", testUpdates()))

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2, "one action line and one doc line per update")

	var action map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &action))
	assert.Equal(t, "dom-1_dev_image", action["update"]["_index"])
	assert.Equal(t, "r1", action["update"]["_id"])

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, true, doc["doc_as_upsert"])
	inner, ok := doc["doc"].(map[string]any)
	require.True(t, ok)
	_, hasInfo := inner["thumbnail_info"]
	assert.True(t, hasInfo, "partial document must contain only the derived field")
	assert.Len(t, inner, 1)
}

func TestUpsertBatchPerItemFailuresDoNotFailCall(t *testing.T) {
	srv := httptest.NewServer(elasticHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":true,"items":[{"update":{"_id":"r1","status":400,"error":{"type":"mapper_parsing_exception"}}}]}`)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	assert.NoError(t, sink.UpsertBatch(context.Background(), "dom-1", testUpdates()),
		"per-item failures are logged individually, not surfaced as a call failure")
}

func TestUpsertBatchRetriesTransportFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(elasticHandler(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":false,"items":[]}`)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	require.NoError(t, sink.UpsertBatch(context.Background(), "dom-1", testUpdates()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestUpsertBatchEmptyIsNoop(t *testing.T) {
	sink := newTestSink(t, "http://127.0.0.1:1") // would fail if dialled
	assert.NoError(t, sink.UpsertBatch(context.Background(), "dom-1", nil))
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "dom-1_prod_image", indexName("dom-1", "prod"))
}
