package detections

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

// Detector decides whether a photo contains a cat.
type Detector struct {
	runner inference.Runner
	log    *logrus.Entry
}

// NewDetector wraps the presence model. Photos are resized to runner.InputSize().
func NewDetector(runner inference.Runner, log *logrus.Entry) *Detector {
	return &Detector{runner: runner, log: log.WithField("component", "presence")}
}

func (d *Detector) Detect(ctx context.Context, photo *models.EncodedPhoto) (models.DetectionResult, error) {
	start := time.Now()

	tensor, err := preprocess.Preprocess(photo, d.runner.InputSize())
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("detect cat: %w", err)
	}

	result, err := DetectPresence(ctx, d.runner, tensor)
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("detect cat: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"present":    result.Present,
		"confidence": result.Confidence,
		"elapsed":    time.Since(start).String(),
	}).Debug("presence checked")

	return result, nil
}

// DetectPresence runs the detector on a prepared tensor. A cat is present
// when any anchor's confidence is strictly above ConfidenceThreshold.
func DetectPresence(ctx context.Context, runner inference.Runner, tensor *preprocess.Tensor) (models.DetectionResult, error) {
	out, err := runner.Run(ctx, tensor)
	if err != nil {
		return models.DetectionResult{}, err
	}

	view, err := inference.NewAnchorView(out, Channels, ExpectedAnchors)
	if err != nil {
		return models.DetectionResult{}, err
	}

	best, _ := view.MaxConfidence()
	return models.DetectionResult{
		Present:    best > ConfidenceThreshold,
		Confidence: best,
	}, nil
}
