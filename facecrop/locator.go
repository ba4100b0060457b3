package facecrop

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

const InputSize = 224

// Locator finds the cat face and crops the photo around it.
type Locator struct {
	runner inference.Runner
	log    *logrus.Entry
}

// NewLocator wraps the face box model. Photos are resized to runner.InputSize().
func NewLocator(runner inference.Runner, log *logrus.Entry) *Locator {
	return &Locator{runner: runner, log: log.WithField("component", "facecrop")}
}

func (l *Locator) Locate(ctx context.Context, photo *models.EncodedPhoto) (models.CropResult, error) {
	start := time.Now()

	img, err := preprocess.Decode(photo)
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	tensor, err := preprocess.FromImage(img, l.runner.InputSize())
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	out, err := l.runner.Run(ctx, tensor)
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	view, err := inference.NewBoxView(out)
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	bounds := img.Bounds()
	box, err := PixelBox(view.Normalized(), bounds.Dx(), bounds.Dy())
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	cropped := imaging.Crop(img, image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height))
	encoded, err := preprocess.EncodeJPEG(cropped, preprocess.CropEncodeQuality)
	if err != nil {
		return models.CropResult{}, fmt.Errorf("locate face: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"box":     box,
		"image":   fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"elapsed": time.Since(start).String(),
	}).Debug("face cropped")

	return models.CropResult{Photo: *encoded, Box: box}, nil
}
