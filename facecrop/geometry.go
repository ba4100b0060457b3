package facecrop

import (
	"fmt"
	"math"

	"github.com/Tutortoise/catscan/models"
)

const (
	// LeftPadding, TopPadding and BottomPadding are fractions of the raw box size.
	LeftPadding   = 0.2
	TopPadding    = 0.2
	BottomPadding = 0.2

	minRightFactor  = 0.6
	rightFactorGain = 0.6
)

// PixelEdges are box edges in source pixel space. Max edges are inclusive
// coordinates, so Width is XMax-XMin.
type PixelEdges struct {
	XMin, YMin, XMax, YMax float64
}

func (e PixelEdges) Width() float64  { return e.XMax - e.XMin }
func (e PixelEdges) Height() float64 { return e.YMax - e.YMin }

// Denormalize scales a normalized box by the source image size and clamps
// every edge into [0, dim-1].
func Denormalize(box models.NormalizedBox, width, height int) PixelEdges {
	w, h := float64(width), float64(height)
	return PixelEdges{
		XMin: clampEdge(math.Round(box.XMin*w), w),
		YMin: clampEdge(math.Round(box.YMin*h), h),
		XMax: clampEdge(math.Round((box.XMin+box.Width)*w), w),
		YMax: clampEdge(math.Round((box.YMin+box.Height)*h), h),
	}
}

// RightIncreaseFactor is 0.6 for a box spanning the whole image width and
// grows linearly to 1.2 as the box shrinks to nothing.
func RightIncreaseFactor(boxRatio float64) float64 {
	return minRightFactor + (1-boxRatio)*rightFactorGain
}

// AdjustBox pads raw edges asymmetrically and re-clamps them into the image.
func AdjustBox(raw PixelEdges, width, height int) (PixelEdges, error) {
	w, h := float64(width), float64(height)
	rawW, rawH := raw.Width(), raw.Height()
	factor := RightIncreaseFactor(rawW / w)

	adj := PixelEdges{
		XMin: math.Max(0, raw.XMin-LeftPadding*rawW),
		XMax: math.Min(w-1, raw.XMax+factor*rawW),
		YMin: math.Max(0, raw.YMin-TopPadding*rawH),
		YMax: math.Min(h-1, raw.YMax+BottomPadding*rawH),
	}
	if adj.Width() <= 0 || adj.Height() <= 0 {
		return PixelEdges{}, models.NewGeometryError(
			fmt.Sprintf("degenerate face box %.0fx%.0f after adjustment", adj.Width(), adj.Height()), nil)
	}
	return adj, nil
}

// CropRect rounds adjusted edges to the integer rectangle used for cropping.
func CropRect(adj PixelEdges) (models.BoundingBox, error) {
	box := models.BoundingBox{
		X:      int(math.Round(adj.XMin)),
		Y:      int(math.Round(adj.YMin)),
		Width:  int(math.Round(adj.Width())),
		Height: int(math.Round(adj.Height())),
	}
	if box.Width <= 0 || box.Height <= 0 {
		return models.BoundingBox{}, models.NewGeometryError(
			fmt.Sprintf("face box rounds to %dx%d", box.Width, box.Height), nil)
	}
	return box, nil
}

// PixelBox runs the whole geometry chain for one normalized prediction.
func PixelBox(box models.NormalizedBox, width, height int) (models.BoundingBox, error) {
	if width <= 0 || height <= 0 {
		return models.BoundingBox{}, models.NewGeometryError(fmt.Sprintf("invalid image size %dx%d", width, height), nil)
	}
	adj, err := AdjustBox(Denormalize(box, width, height), width, height)
	if err != nil {
		return models.BoundingBox{}, err
	}
	return CropRect(adj)
}

func clampEdge(v, dim float64) float64 {
	return math.Max(0, math.Min(v, dim-1))
}
