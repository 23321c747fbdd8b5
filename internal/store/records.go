// Package store encapsulates all reads and writes against the relational
// record store. Reads may be routed to a replica and writes to the primary;
// callers must not expect read-after-write consistency across that split.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/tendant/image-backfill/pkg/backfill"
)

// candidateWhere is the candidacy predicate shared by counting and
// fetching: not soft-deleted, image content kind, matching domain, and
// missing derived data per the active mode. $1 = domain id, $2 = size
// label (fill mode only).
func candidateWhere(mode backfill.Mode) string {
	base := `domain_id = $1
		AND status <> 'DELETED'
		AND content_type LIKE '%image%'
		AND metadata ? 'image_url'`
	if mode.Kind == backfill.ModeFillVariant {
		return base + `
		AND (thumbnail_info IS NULL
			OR NOT (thumbnail_info->'thumbnail_location' ? $2))`
	}
	return base + `
		AND thumbnail_info IS NULL`
}

func candidateArgs(domainID string, mode backfill.Mode) []any {
	if mode.Kind == backfill.ModeFillVariant {
		return []any{domainID, mode.Label}
	}
	return []any{domainID}
}

// Store provides the record repository over separate reader and writer
// handles. Both handles are safe for concurrent use.
type Store struct {
	reader *sql.DB
	writer *sql.DB
}

// Open connects the reader and writer handles and verifies both are
// reachable. A failure here is fatal to the run.
func Open(readerDSN, writerDSN string) (*Store, error) {
	reader, err := open(readerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader connection: %w", err)
	}

	writer := reader
	if writerDSN != readerDSN {
		writer, err = open(writerDSN)
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("failed to open writer connection: %w", err)
		}
	}

	return &Store{reader: reader, writer: writer}, nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// Recycle connections the way the upstream services do.
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases both handles.
func (s *Store) Close() error {
	err := s.reader.Close()
	if s.writer != s.reader {
		if werr := s.writer.Close(); err == nil {
			err = werr
		}
	}
	return err
}

// ListDomains returns the ids of all active domains, for "all domains"
// runs.
func (s *Store) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT id FROM domains WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan domain id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountCandidates counts the records matching the candidacy predicate for
// the given domain and mode.
func (s *Store) CountCandidates(ctx context.Context, domainID string, mode backfill.Mode) (int, error) {
	query := `SELECT COUNT(*) FROM contents WHERE ` + candidateWhere(mode)

	var count int
	err := s.reader.QueryRowContext(ctx, query, candidateArgs(domainID, mode)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candidates: %w", err)
	}
	return count, nil
}

// FetchCandidateBatch returns one batch of candidate records, ordered by
// primary key so repeated offset/limit calls partition the candidate set.
// The partition is only exact when no concurrent writer inserts or deletes
// candidates mid-run; the reconciler accepts that race because skipped
// records remain candidates for the next invocation.
func (s *Store) FetchCandidateBatch(ctx context.Context, domainID string, mode backfill.Mode, offset, limit int) ([]backfill.RecordView, error) {
	args := candidateArgs(domainID, mode)
	query := fmt.Sprintf(`
		SELECT id, domain_id, metadata->>'image_url', thumbnail_info
		FROM contents
		WHERE %s
		ORDER BY id
		OFFSET $%d LIMIT $%d`,
		candidateWhere(mode), len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate batch: %w", err)
	}
	defer rows.Close()

	var batch []backfill.RecordView
	for rows.Next() {
		var (
			view      backfill.RecordView
			sourceURI sql.NullString
			derived   []byte
		)
		if err := rows.Scan(&view.ID, &view.DomainID, &sourceURI, &derived); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		view.SourceURI = sourceURI.String
		if len(derived) > 0 {
			var artifact backfill.DerivedArtifact
			if err := json.Unmarshal(derived, &artifact); err != nil {
				return nil, fmt.Errorf("failed to decode thumbnail_info for record %s: %w", view.ID, err)
			}
			view.Derived = &artifact
		}
		batch = append(batch, view)
	}
	return batch, rows.Err()
}

// ApplyDerivedUpdates writes a batch of derived artifacts in one
// transaction on the writer handle. The batch is atomic: either every
// update is durably committed or none of it is.
func (s *Store) ApplyDerivedUpdates(ctx context.Context, updates []backfill.DerivedUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE contents SET thumbnail_info = $1 WHERE id = $2`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	applied := 0
	for _, u := range updates {
		payload, err := json.Marshal(u.Derived)
		if err != nil {
			return 0, fmt.Errorf("failed to encode thumbnail_info for record %s: %w", u.ID, err)
		}
		res, err := stmt.ExecContext(ctx, payload, u.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update record %s: %w", u.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			applied += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit update batch: %w", err)
	}
	return applied, nil
}
