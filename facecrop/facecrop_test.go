package facecrop

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

type stubRunner struct {
	out   inference.Output
	err   error
	input *preprocess.Tensor
}

func (s *stubRunner) Name() string   { return "face" }
func (s *stubRunner) InputSize() int { return InputSize }

func (s *stubRunner) Run(_ context.Context, input *preprocess.Tensor) (inference.Output, error) {
	s.input = input
	return s.out, s.err
}

func solidPNG(t *testing.T, w, h int) *models.EncodedPhoto {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &models.EncodedPhoto{Data: buf.Bytes(), Width: w, Height: h}
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestRightIncreaseFactor(t *testing.T) {
	assert.InDelta(t, 0.6, RightIncreaseFactor(1.0), 1e-12)
	assert.InDelta(t, 1.2, RightIncreaseFactor(0.0), 1e-12)
	assert.InDelta(t, 0.9, RightIncreaseFactor(0.5), 1e-12)

	prev := RightIncreaseFactor(0)
	for r := 0.01; r <= 1.0; r += 0.01 {
		cur := RightIncreaseFactor(r)
		require.Less(t, cur, prev, "ratio %.2f", r)
		prev = cur
	}
}

func TestDenormalize_UsesSourceDimensions(t *testing.T) {
	edges := Denormalize(models.NormalizedBox{XMin: 0.25, YMin: 0.5, Width: 0.5, Height: 0.25}, 1000, 400)
	assert.Equal(t, PixelEdges{XMin: 250, YMin: 200, XMax: 750, YMax: 300}, edges)

	clamped := Denormalize(models.NormalizedBox{XMin: 0.9, YMin: 0, Width: 1, Height: 1}, 100, 50)
	assert.Equal(t, 99.0, clamped.XMax)
	assert.Equal(t, 49.0, clamped.YMax)
}

func TestPixelBox_HalfWidthBox(t *testing.T) {
	const w, h = 1000, 800
	norm := models.NormalizedBox{XMin: 0.2, YMin: 0.2, Width: 0.5, Height: 0.4}

	raw := Denormalize(norm, w, h)
	require.Equal(t, 500.0, raw.Width())
	assert.InDelta(t, 0.9, RightIncreaseFactor(raw.Width()/w), 1e-12)

	box, err := PixelBox(norm, w, h)
	require.NoError(t, err)
	assert.Equal(t, models.BoundingBox{X: 100, Y: 96, Width: 899, Height: 448}, box)
	assert.Greater(t, box.Width, int(raw.Width()))
	assert.True(t, box.Within(w, h))
}

func TestPixelBox_AlwaysInsideImage(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		w, h := 1+rng.Intn(2000), 1+rng.Intn(2000)
		norm := models.NormalizedBox{
			XMin:   rng.Float64(),
			YMin:   rng.Float64(),
			Width:  rng.Float64(),
			Height: rng.Float64(),
		}
		box, err := PixelBox(norm, w, h)
		if err != nil {
			require.ErrorIs(t, err, models.ErrGeometry)
			continue
		}
		require.True(t, box.Within(w, h), "box %+v outside %dx%d for %+v", box, w, h, norm)
	}
}

func TestPixelBox_Degenerate(t *testing.T) {
	// a zero-width box at the right edge cannot be padded outward
	_, err := PixelBox(models.NormalizedBox{XMin: 1, YMin: 0.2, Width: 0, Height: 0.3}, 640, 480)
	require.ErrorIs(t, err, models.ErrGeometry)

	_, err = PixelBox(models.NormalizedBox{XMin: 0.1, YMin: 0.1, Width: 0.1, Height: 0.1}, 1, 1)
	require.ErrorIs(t, err, models.ErrGeometry)

	_, err = PixelBox(models.NormalizedBox{}, 0, 10)
	require.ErrorIs(t, err, models.ErrGeometry)
}

func TestLocator_CropsToAdjustedBox(t *testing.T) {
	runner := &stubRunner{out: inference.Output{Data: []float32{0.25, 0.25, 0.25, 0.5}}}
	locator := NewLocator(runner, quietLog())

	result, err := locator.Locate(context.Background(), solidPNG(t, 400, 200))
	require.NoError(t, err)

	require.NotNil(t, runner.input)
	assert.Equal(t, InputSize, runner.input.Width)

	// raw 100..200 x 50..150, factor 1.05
	assert.Equal(t, models.BoundingBox{X: 80, Y: 30, Width: 225, Height: 140}, result.Box)
	assert.Equal(t, 225, result.Photo.Width)
	assert.Equal(t, 140, result.Photo.Height)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(result.Photo.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 225, cfg.Width)
	assert.Equal(t, 140, cfg.Height)
}

func TestLocator_Errors(t *testing.T) {
	locator := NewLocator(&stubRunner{out: inference.Output{Data: []float32{1, 0, 0, 0}}}, quietLog())
	_, err := locator.Locate(context.Background(), solidPNG(t, 64, 64))
	require.ErrorIs(t, err, models.ErrGeometry)

	locator = NewLocator(&stubRunner{out: inference.Output{Data: []float32{0.1, 0.1}}}, quietLog())
	_, err = locator.Locate(context.Background(), solidPNG(t, 64, 64))
	require.ErrorIs(t, err, models.ErrInference)

	_, err = locator.Locate(context.Background(), &models.EncodedPhoto{Data: []byte("nope")})
	require.ErrorIs(t, err, models.ErrDecode)
}
