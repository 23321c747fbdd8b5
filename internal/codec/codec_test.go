package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-backfill/pkg/backfill"
)

// testImage returns PNG bytes of a w×h gradient so resized outputs are not
// degenerate single-color images.
func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func variantLabels(result *Result) []string {
	labels := make([]string, 0, len(result.Variants))
	for _, v := range result.Variants {
		labels = append(labels, v.Label)
	}
	return labels
}

func TestProduceFullArtifact(t *testing.T) {
	c := New(Config{})
	src := testImage(t, 1200, 1200)

	result, err := c.Produce(src)
	require.NoError(t, err)

	assert.Equal(t, backfill.Resolution{Width: 1200, Height: 1200}, result.Resolution)
	assert.Equal(t, []string{"compressed", "96w", "240w", "480w", "1080w"}, variantLabels(result))
	assert.NotEmpty(t, result.Fingerprint)
	for _, v := range result.Variants {
		assert.NotEmpty(t, v.Data, "variant %s should carry encoded bytes", v.Label)
	}
}

func TestProduceNeverUpscales(t *testing.T) {
	c := New(Config{Tiers: []backfill.Tier{
		{Label: "96w", Width: 96, Height: 96},
		{Label: "240w", Width: 240, Height: 240},
	}})

	result, err := c.Produce(testImage(t, 200, 200))
	require.NoError(t, err)

	assert.Equal(t, []string{"compressed", "96w"}, variantLabels(result),
		"a 200x200 source must not produce the 240x240 tier")
}

func TestProduceGatesOnBothDimensions(t *testing.T) {
	c := New(Config{Tiers: []backfill.Tier{{Label: "96w", Width: 96, Height: 96}}})

	// Wide enough but not tall enough.
	result, err := c.Produce(testImage(t, 300, 50))
	require.NoError(t, err)
	assert.Equal(t, []string{"compressed"}, variantLabels(result))
}

func TestProduceFingerprintDeterministic(t *testing.T) {
	c := New(Config{})
	src := testImage(t, 300, 300)

	first, err := c.Produce(src)
	require.NoError(t, err)
	second, err := c.Produce(src)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestProduceRejectsDecompressionBomb(t *testing.T) {
	c := New(Config{MaxPixels: 1000})

	_, err := c.Produce(testImage(t, 100, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, backfill.ErrDecodeTooLarge)
}

func TestProduceRejectsCorruptInput(t *testing.T) {
	c := New(Config{})

	_, err := c.Produce([]byte("not an image at all"))
	require.Error(t, err)
	assert.ErrorIs(t, err, backfill.ErrDecodeCorrupt)
}

func TestProduceMissingEncodesOnlyRequestedTiers(t *testing.T) {
	c := New(Config{})
	src := testImage(t, 500, 500)

	result, err := c.ProduceMissing(src, []backfill.Tier{{Label: "96w", Width: 96, Height: 96}})
	require.NoError(t, err)

	assert.Equal(t, []string{"96w"}, variantLabels(result))
	assert.Empty(t, result.Fingerprint, "fill runs must not regenerate the fingerprint")
	assert.Equal(t, backfill.Resolution{Width: 500, Height: 500}, result.Resolution)
}

func TestProduceMissingBelowTierResolution(t *testing.T) {
	c := New(Config{})

	result, err := c.ProduceMissing(testImage(t, 50, 50), []backfill.Tier{{Label: "96w", Width: 96, Height: 96}})
	require.NoError(t, err)
	assert.Empty(t, result.Variants)
}
