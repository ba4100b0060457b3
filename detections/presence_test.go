package detections

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

type stubRunner struct {
	out   inference.Output
	err   error
	calls int
}

func (s *stubRunner) Name() string   { return "presence" }
func (s *stubRunner) InputSize() int { return InputSize }

func (s *stubRunner) Run(_ context.Context, _ *preprocess.Tensor) (inference.Output, error) {
	s.calls++
	return s.out, s.err
}

// outputWithPeak builds a detector output whose confidence block peaks at anchor idx.
func outputWithPeak(idx int, confidence float32) inference.Output {
	data := make([]float32, Channels*ExpectedAnchors)
	for i := 0; i < 4*ExpectedAnchors; i++ {
		data[i] = 0.99
	}
	for i := 0; i < ExpectedAnchors; i++ {
		data[4*ExpectedAnchors+i] = 0.01
	}
	data[4*ExpectedAnchors+idx] = confidence
	return inference.Output{Shape: []int64{1, Channels, ExpectedAnchors}, Data: data}
}

func TestDetectPresence_StrictThreshold(t *testing.T) {
	tensor := preprocess.NewTensor(InputSize, InputSize, 3, preprocess.HWC)

	cases := []struct {
		confidence float32
		present    bool
	}{
		{0.2, false},
		{0.5, false},
		{0.50001, true},
		{0.97, true},
	}
	for _, tc := range cases {
		res, err := DetectPresence(context.Background(), &stubRunner{out: outputWithPeak(4242, tc.confidence)}, tensor)
		require.NoError(t, err)
		require.Equal(t, tc.present, res.Present, "confidence %v", tc.confidence)
		require.Equal(t, tc.confidence, res.Confidence)
	}
}

func TestDetectPresence_IgnoresGeometryChannels(t *testing.T) {
	tensor := preprocess.NewTensor(InputSize, InputSize, 3, preprocess.HWC)

	res, err := DetectPresence(context.Background(), &stubRunner{out: outputWithPeak(0, 0.3)}, tensor)
	require.NoError(t, err)
	require.False(t, res.Present)
}

func TestDetectPresence_AnchorMismatch(t *testing.T) {
	tensor := preprocess.NewTensor(InputSize, InputSize, 3, preprocess.HWC)
	out := inference.Output{Data: make([]float32, Channels*(ExpectedAnchors-1))}

	_, err := DetectPresence(context.Background(), &stubRunner{out: out}, tensor)
	require.ErrorIs(t, err, models.ErrInference)
}

func TestDetectPresence_RunnerError(t *testing.T) {
	tensor := preprocess.NewTensor(InputSize, InputSize, 3, preprocess.HWC)
	boom := models.NewInferenceError("session lost", errors.New("boom"))

	_, err := DetectPresence(context.Background(), &stubRunner{err: boom}, tensor)
	require.ErrorIs(t, err, models.ErrInference)
}

func TestDetector_Detect(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	img.SetNRGBA(3, 3, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	runner := &stubRunner{out: outputWithPeak(10, 0.8)}
	res, err := NewDetector(runner, logrus.NewEntry(log)).Detect(context.Background(), &models.EncodedPhoto{Data: buf.Bytes()})
	require.NoError(t, err)
	require.True(t, res.Present)
	require.Equal(t, 1, runner.calls)

	_, err = NewDetector(runner, logrus.NewEntry(log)).Detect(context.Background(), &models.EncodedPhoto{})
	require.ErrorIs(t, err, models.ErrInput)
	require.Equal(t, 1, runner.calls)
}
