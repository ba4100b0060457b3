package models

import (
	"bytes"
	"io"
	"os"
	"time"
)

// EncodedPhoto is an image as delivered by the camera or the gallery.
// Either Data holds the encoded bytes or Path points at a file holding them.
type EncodedPhoto struct {
	Data   []byte
	Path   string
	Width  int
	Height int
}

// Empty reports whether the photo has no byte source at all.
func (p *EncodedPhoto) Empty() bool {
	return p == nil || (len(p.Data) == 0 && p.Path == "")
}

// Open returns a reader over the encoded bytes.
func (p *EncodedPhoto) Open() (io.ReadCloser, error) {
	if p.Empty() {
		return nil, NewInputError("photo has no source", nil)
	}
	if len(p.Data) > 0 {
		return io.NopCloser(bytes.NewReader(p.Data)), nil
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, NewInputError("open photo", err)
	}
	return f, nil
}

// NormalizedBox is a box in model output space, every component in [0,1].
type NormalizedBox struct {
	XMin   float64
	YMin   float64
	Width  float64
	Height float64
}

// BoundingBox is a box in source image pixel space.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Within reports whether the box lies inside a w x h image and is non-degenerate.
func (b BoundingBox) Within(w, h int) bool {
	return b.X >= 0 && b.Y >= 0 &&
		b.Width > 0 && b.Height > 0 &&
		b.X+b.Width <= w && b.Y+b.Height <= h
}

type DetectionResult struct {
	Present    bool
	Confidence float32
}

// CropResult is the cropped face plus the pixel box actually used for the crop.
type CropResult struct {
	Photo EncodedPhoto
	Box   BoundingBox
}

// SeverityCategory is the ordinal band derived from a severity score.
type SeverityCategory int

const (
	Healthy SeverityCategory = iota
	LowChance
	ModerateChance
	HighChance
)

func (c SeverityCategory) String() string {
	switch c {
	case Healthy:
		return "Healthy"
	case LowChance:
		return "Low Chance"
	case ModerateChance:
		return "Moderate Chance"
	case HighChance:
		return "High Chance"
	default:
		return "Unknown"
	}
}

func (c SeverityCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type StageTimings struct {
	SessionID      string
	Detect         time.Duration
	Locate         time.Duration
	Classify       time.Duration
	InferenceTotal time.Duration
	Total          time.Duration
}
