// Package backfill holds the shared domain types of the image artifact
// backfill pipeline: record views, derived artifacts, index updates, run
// modes and the failure taxonomy.
package backfill

import (
	"encoding/json"
	"fmt"
)

// Location map keys that every complete derived artifact carries.
const (
	LocationRaw        = "raw"
	LocationCompressed = "compressed"
)

// Resolution is the pixel dimensions of a source image. It marshals to the
// two-element JSON array stored in the thumbnail_info column.
type Resolution struct {
	Width  int
	Height int
}

// MarshalJSON encodes the resolution as [width, height].
func (r Resolution) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Width, r.Height})
}

// UnmarshalJSON decodes a [width, height] array.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("failed to decode resolution: %w", err)
	}
	r.Width, r.Height = pair[0], pair[1]
	return nil
}

// DerivedArtifact is the result of processing one record: the original
// resolution, the map of size-label to uploaded URI, and the perceptual
// fingerprint. The JSON field names match the thumbnail_info schema shared
// with the search index.
type DerivedArtifact struct {
	Resolution  Resolution        `json:"resolution"`
	Locations   map[string]string `json:"thumbnail_location"`
	Fingerprint string            `json:"blurhash"`
}

// Clone returns a deep copy so merge-mode updates never mutate the view
// fetched from the repository.
func (a *DerivedArtifact) Clone() *DerivedArtifact {
	if a == nil {
		return nil
	}
	out := &DerivedArtifact{
		Resolution:  a.Resolution,
		Fingerprint: a.Fingerprint,
		Locations:   make(map[string]string, len(a.Locations)),
	}
	for k, v := range a.Locations {
		out.Locations[k] = v
	}
	return out
}

// RecordView is the transient, non-owning slice of a record the reconciler
// works with during one round. It is never cached across rounds.
type RecordView struct {
	ID        string
	DomainID  string
	SourceURI string
	Derived   *DerivedArtifact
}

// DerivedUpdate is one element of a batch write-back to the record store.
type DerivedUpdate struct {
	ID      string
	Derived *DerivedArtifact
}

// IndexUpdate is the unit sent to the search index sink.
type IndexUpdate struct {
	ID       string
	DomainID string
	Derived  *DerivedArtifact
}

// Tier is one configured thumbnail size. Thumbnails are only generated when
// the source resolution covers the tier in both dimensions (never upscale).
type Tier struct {
	Label  string
	Width  int
	Height int
}

// DefaultTiers returns the standard size ladder, smallest to largest.
func DefaultTiers() []Tier {
	return []Tier{
		{Label: "96w", Width: 96, Height: 96},
		{Label: "240w", Width: 240, Height: 240},
		{Label: "480w", Width: 480, Height: 480},
		{Label: "1080w", Width: 1080, Height: 1080},
	}
}
