package backfill

import (
	"fmt"
	"strings"
)

// ModeKind discriminates the two reconciliation variants.
type ModeKind int

const (
	// ModeFullBackfill processes records with no derived artifact at all.
	ModeFullBackfill ModeKind = iota
	// ModeFillVariant processes records whose artifact is missing one
	// specific size label, merging the new variant into the existing map.
	ModeFillVariant
)

// Mode selects the candidacy predicate and the artifact merge behaviour of
// a run. The control flow and failure handling are identical across modes.
type Mode struct {
	Kind  ModeKind
	Label string
}

// FullBackfill returns the full-backfill mode.
func FullBackfill() Mode {
	return Mode{Kind: ModeFullBackfill}
}

// FillVariant returns the fill-missing-variant mode for the given label.
func FillVariant(label string) Mode {
	return Mode{Kind: ModeFillVariant, Label: label}
}

// ParseMode parses the CLI mode syntax: "full" or "fill:<label>".
func ParseMode(s string) (Mode, error) {
	switch {
	case s == "" || s == "full":
		return FullBackfill(), nil
	case strings.HasPrefix(s, "fill:"):
		label := strings.TrimPrefix(s, "fill:")
		if label == "" {
			return Mode{}, fmt.Errorf("fill mode requires a size label, e.g. fill:96w")
		}
		return FillVariant(label), nil
	default:
		return Mode{}, fmt.Errorf("unknown mode %q (expected \"full\" or \"fill:<label>\")", s)
	}
}

func (m Mode) String() string {
	if m.Kind == ModeFillVariant {
		return "fill:" + m.Label
	}
	return "full"
}
