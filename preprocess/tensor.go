package preprocess

import (
	"fmt"
	"strings"
	"sync"
)

// Layout is the memory order of a Tensor.
type Layout int

const (
	// HWC stores pixels interleaved: r,g,b,r,g,b...
	HWC Layout = iota
	// CHW stores one plane per channel: r...r,g...g,b...b
	CHW
)

func (l Layout) String() string {
	if l == CHW {
		return "nchw"
	}
	return "nhwc"
}

// ParseLayout reads a layout name from config. An empty string means NHWC.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nhwc", "hwc", "":
		return HWC, nil
	case "nchw", "chw":
		return CHW, nil
	default:
		return HWC, fmt.Errorf("unknown tensor layout %q", s)
	}
}

// Tensor is a flat float buffer with explicit shape. Values are in [0,1].
// A Tensor must not be mutated once handed to a model.
type Tensor struct {
	Width    int
	Height   int
	Channels int
	Layout   Layout
	Data     []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(width, height, channels int, layout Layout) *Tensor {
	return &Tensor{
		Width:    width,
		Height:   height,
		Channels: channels,
		Layout:   layout,
		Data:     make([]float32, width*height*channels),
	}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) index(x, y, c int) int {
	if t.Layout == CHW {
		return c*t.Width*t.Height + y*t.Width + x
	}
	return (y*t.Width+x)*t.Channels + c
}

// At returns channel c of pixel (x, y).
func (t *Tensor) At(x, y, c int) float32 {
	return t.Data[t.index(x, y, c)]
}

func (t *Tensor) set(x, y, c int, v float32) {
	t.Data[t.index(x, y, c)] = v
}

// WithLayout returns t itself if it already has the requested layout,
// otherwise a converted copy.
func (t *Tensor) WithLayout(layout Layout) *Tensor {
	if t.Layout == layout {
		return t
	}
	out := NewTensor(t.Width, t.Height, t.Channels, layout)

	// One goroutine per channel plane.
	var wg sync.WaitGroup
	wg.Add(t.Channels)
	for c := 0; c < t.Channels; c++ {
		go func(channel int) {
			defer wg.Done()
			for y := 0; y < t.Height; y++ {
				for x := 0; x < t.Width; x++ {
					out.set(x, y, channel, t.At(x, y, channel))
				}
			}
		}(c)
	}
	wg.Wait()

	return out
}
