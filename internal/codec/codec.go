// Package codec implements the artifact codec: a pure transformation from
// source image bytes to re-encoded variants and a perceptual fingerprint.
// It performs no I/O; uploading the variants is the caller's job.
package codec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder
	_ "image/png" // register PNG decoder

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"

	"github.com/tendant/image-backfill/pkg/backfill"
)

// Fingerprint parameters: the blurhash is computed from a fixed small
// downscale so it is deterministic for identical input bytes and config.
const (
	fingerprintGrid       = 32
	fingerprintComponents = 4
)

// Config tunes the codec. Zero values fall back to the defaults used by the
// production migration.
type Config struct {
	Tiers     []backfill.Tier
	Quality   int // JPEG quality for all lossy re-encodes
	MaxPixels int // decoded pixel ceiling (decompression-bomb guard)
}

// Variant is one encoded output keyed by its size label.
type Variant struct {
	Label string
	Data  []byte
}

// Result is the outcome of processing one source image. Either the whole
// result is produced or an error is returned; there is no partial result.
type Result struct {
	Resolution  backfill.Resolution
	Fingerprint string
	Variants    []Variant
}

// Codec produces derived artifacts from source image bytes.
type Codec struct {
	cfg Config
}

// New creates a codec, applying defaults for unset config fields.
func New(cfg Config) *Codec {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = backfill.DefaultTiers()
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 100_000_000
	}
	return &Codec{cfg: cfg}
}

// Produce runs the full pipeline: decode, full-resolution compressed
// re-encode, size tiers gated by the source resolution (never upscale),
// and the fingerprint.
func (c *Codec) Produce(src []byte) (*Result, error) {
	img, res, err := c.decode(src)
	if err != nil {
		return nil, err
	}

	result := &Result{Resolution: res}

	compressed, err := c.encode(img)
	if err != nil {
		return nil, err
	}
	result.Variants = append(result.Variants, Variant{Label: backfill.LocationCompressed, Data: compressed})

	tiers, err := c.produceTiers(img, res, c.cfg.Tiers)
	if err != nil {
		return nil, err
	}
	result.Variants = append(result.Variants, tiers...)

	fingerprint, err := c.fingerprint(img)
	if err != nil {
		return nil, err
	}
	result.Fingerprint = fingerprint

	return result, nil
}

// ProduceMissing re-encodes only the given tiers, for fill-variant runs
// that top up an existing artifact. The compressed variant and fingerprint
// are not regenerated. Tiers the source resolution cannot cover are
// omitted, so the result may carry no variants at all.
func (c *Codec) ProduceMissing(src []byte, missing []backfill.Tier) (*Result, error) {
	img, res, err := c.decode(src)
	if err != nil {
		return nil, err
	}

	variants, err := c.produceTiers(img, res, missing)
	if err != nil {
		return nil, err
	}

	return &Result{Resolution: res, Variants: variants}, nil
}

// decode sniffs dimensions from the header first so the pixel ceiling is
// enforced before any full decode allocates memory.
func (c *Codec) decode(src []byte) (image.Image, backfill.Resolution, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, backfill.Resolution{}, fmt.Errorf("%w: %v", backfill.ErrDecodeCorrupt, err)
	}
	if cfg.Width*cfg.Height > c.cfg.MaxPixels {
		return nil, backfill.Resolution{}, fmt.Errorf("%w: %dx%d exceeds %d pixels",
			backfill.ErrDecodeTooLarge, cfg.Width, cfg.Height, c.cfg.MaxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, backfill.Resolution{}, fmt.Errorf("%w: %v", backfill.ErrDecodeCorrupt, err)
	}

	bounds := img.Bounds()
	return img, backfill.Resolution{Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// produceTiers generates the thumbnails the source resolution covers,
// smallest to largest. A tier larger than the source in either dimension is
// skipped rather than upscaled.
func (c *Codec) produceTiers(img image.Image, res backfill.Resolution, tiers []backfill.Tier) ([]Variant, error) {
	var out []Variant
	for _, tier := range tiers {
		if res.Width < tier.Width || res.Height < tier.Height {
			continue
		}
		resized := imaging.Fit(img, tier.Width, tier.Height, imaging.Lanczos)
		data, err := c.encode(resized)
		if err != nil {
			return nil, err
		}
		out = append(out, Variant{Label: tier.Label, Data: data})
	}
	return out, nil
}

func (c *Codec) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.Quality)); err != nil {
		return nil, fmt.Errorf("%w: %v", backfill.ErrEncodeFailed, err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) fingerprint(img image.Image) (string, error) {
	small := imaging.Resize(img, fingerprintGrid, fingerprintGrid, imaging.Lanczos)
	hash, err := blurhash.Encode(fingerprintComponents, fingerprintComponents, small)
	if err != nil {
		return "", fmt.Errorf("%w: blurhash: %v", backfill.ErrEncodeFailed, err)
	}
	return hash, nil
}
