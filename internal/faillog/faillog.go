// Package faillog appends failed records to an append-only side file, one
// CSV line per record as (recordId, failureReason, stage), for offline
// inspection and reprocessing. Later runs do not consult this file.
package faillog

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/tendant/image-backfill/pkg/backfill"
)

// Log is an append-only error artifact file, safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	path string
}

// Open opens (creating if needed) the error artifact file for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open error artifact file: %w", err)
	}
	return &Log{file: f, w: csv.NewWriter(f), path: path}, nil
}

// Record appends one failed record. Each line is flushed immediately so a
// crash loses at most the line being written.
func (l *Log) Record(id string, stage backfill.Stage, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Write errors here are swallowed: the artifact file is best-effort
	// and must never fail a batch.
	_ = l.w.Write([]string{id, reason.Error(), string(stage)})
	l.w.Flush()
}

// Path returns the artifact file location for the terminal summary.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
