package backfill

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step at which a record failed. Stages appear in
// logs and in the error artifact file.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageEncode  Stage = "encode"
	StageUpload  Stage = "upload"
	StagePersist Stage = "persist"
	StageIndex   Stage = "index"
)

var (
	// ErrDecodeTooLarge is returned when the decoded pixel count would
	// exceed the configured ceiling. This is a hard safety bound against
	// decompression bombs, checked before the full decode.
	ErrDecodeTooLarge = errors.New("decoded image exceeds pixel ceiling")

	// ErrDecodeCorrupt is returned when the source bytes cannot be decoded.
	ErrDecodeCorrupt = errors.New("image decode failed")

	// ErrEncodeFailed is returned when re-encoding a variant fails.
	ErrEncodeFailed = errors.New("image encode failed")
)

// RecordError is a per-record failure. Record errors never abort a batch:
// the record is logged, written to the error artifact file, skipped, and
// remains a candidate for a future run.
type RecordError struct {
	RecordID string
	Stage    Stage
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s failed at %s: %v", e.RecordID, e.Stage, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
