package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

// Runner runs one model over one input tensor. The call blocks until the
// model finishes; ctx only bounds waiting for a free session.
type Runner interface {
	Name() string
	InputSize() int
	Run(ctx context.Context, input *preprocess.Tensor) (Output, error)
}

// Output is a copy of a model's flat output buffer plus its declared shape.
type Output struct {
	Shape []int64
	Data  []float32
}

func (o Output) Len() int {
	return len(o.Data)
}

// AnchorView reads a [1, channels, anchors] detection output where each
// channel is a contiguous block of length anchors. The last channel is the
// confidence block.
type AnchorView struct {
	channels int
	anchors  int
	data     []float32
}

// NewAnchorView fails unless out holds exactly channels*anchors values.
func NewAnchorView(out Output, channels, anchors int) (AnchorView, error) {
	if channels <= 0 || anchors <= 0 {
		return AnchorView{}, models.NewInferenceError(fmt.Sprintf("invalid anchor layout %dx%d", channels, anchors), nil)
	}
	if want := channels * anchors; out.Len() != want {
		return AnchorView{}, models.NewInferenceError(
			fmt.Sprintf("unexpected detection output length: got %d, want %d (%d x %d)", out.Len(), want, channels, anchors), nil)
	}
	return AnchorView{channels: channels, anchors: anchors, data: out.Data}, nil
}

func (v AnchorView) Anchors() int {
	return v.anchors
}

func (v AnchorView) ValueAt(channel, anchor int) float32 {
	return v.data[channel*v.anchors+anchor]
}

func (v AnchorView) ConfidenceAt(anchor int) float32 {
	return v.ValueAt(v.channels-1, anchor)
}

// MaxConfidence returns the highest confidence and the anchor holding it.
func (v AnchorView) MaxConfidence() (float32, int) {
	best, bestIdx := float32(math.Inf(-1)), -1
	for i := 0; i < v.anchors; i++ {
		if c := v.ConfidenceAt(i); c > best {
			best, bestIdx = c, i
		}
	}
	return best, bestIdx
}

// BoxView reads a single regressed box (x_min, y_min, w, h).
type BoxView struct {
	values [4]float32
}

// NewBoxView rejects outputs that are not four values or contain NaN.
func NewBoxView(out Output) (BoxView, error) {
	if out.Len() != 4 {
		return BoxView{}, models.NewInferenceError(fmt.Sprintf("unexpected box output length: got %d, want 4", out.Len()), nil)
	}
	var v BoxView
	for i, x := range out.Data {
		if math.IsNaN(float64(x)) {
			return BoxView{}, models.NewInferenceError("box output contains NaN", nil)
		}
		v.values[i] = x
	}
	return v, nil
}

// Normalized returns the box with every component clamped to [0,1].
func (v BoxView) Normalized() models.NormalizedBox {
	return models.NormalizedBox{
		XMin:   clamp01(v.values[0]),
		YMin:   clamp01(v.values[1]),
		Width:  clamp01(v.values[2]),
		Height: clamp01(v.values[3]),
	}
}

// Scalar reads a single-value output.
func Scalar(out Output) (float32, error) {
	if out.Len() != 1 {
		return 0, models.NewInferenceError(fmt.Sprintf("unexpected scalar output length: got %d, want 1", out.Len()), nil)
	}
	if math.IsNaN(float64(out.Data[0])) {
		return 0, models.NewInferenceError("scalar output is NaN", nil)
	}
	return out.Data[0], nil
}

func clamp01(v float32) float64 {
	return math.Max(0, math.Min(float64(v), 1))
}
