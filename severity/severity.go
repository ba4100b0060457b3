package severity

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

const (
	InputSize = 512

	LowChanceThreshold      = 0.50
	ModerateChanceThreshold = 0.65
	HighChanceThreshold     = 0.80
)

var descriptions = map[models.SeverityCategory]string{
	models.Healthy: "Your cat appears healthy, showing no visible signs of conjunctivitis. " +
		"Their eyes look clear, normal, and free from redness, tearing, or crustiness. " +
		"Visit the 'Learn More' page for tips on maintaining their eye health.",
	models.LowChance: "Your cat shows mild signs of conjunctivitis, such as slight redness or tearing. " +
		"These signs may result from winking, sleeping, or being far from the camera. " +
		"Retake the photo or monitor your cat closely for changes.",
	models.ModerateChance: "Your cat displays noticeable signs of conjunctivitis, including redness, tearing, or crustiness around the eye. " +
		"These symptoms are less likely to be a mistake, so consulting a vet for advice is strongly recommended.",
	models.HighChance: "Your cat shows strong signs of conjunctivitis, including squinting, visible redness, or significant tearing. " +
		"These symptoms are unlikely due to camera factors and may indicate another eye condition. " +
		"Seek veterinary care immediately for a thorough diagnosis.",
}

// CategoryFor maps a severity score onto its band. The thresholds are fixed.
func CategoryFor(score float32) models.SeverityCategory {
	switch {
	case score < LowChanceThreshold:
		return models.Healthy
	case score < ModerateChanceThreshold:
		return models.LowChance
	case score < HighChanceThreshold:
		return models.ModerateChance
	default:
		return models.HighChance
	}
}

// Description is the guidance text shown alongside a category.
func Description(c models.SeverityCategory) string {
	return descriptions[c]
}

type Result struct {
	Score    float32
	Category models.SeverityCategory
}

// Classifier scores conjunctivitis severity on a cropped face.
type Classifier struct {
	runner inference.Runner
	log    *logrus.Entry
}

func NewClassifier(runner inference.Runner, log *logrus.Entry) *Classifier {
	return &Classifier{runner: runner, log: log.WithField("component", "severity")}
}

func (c *Classifier) Classify(ctx context.Context, photo *models.EncodedPhoto) (Result, error) {
	start := time.Now()

	tensor, err := preprocess.Preprocess(photo, c.runner.InputSize())
	if err != nil {
		return Result{}, fmt.Errorf("classify severity: %w", err)
	}

	out, err := c.runner.Run(ctx, tensor)
	if err != nil {
		return Result{}, fmt.Errorf("classify severity: %w", err)
	}

	score, err := inference.Scalar(out)
	if err != nil {
		return Result{}, fmt.Errorf("classify severity: %w", err)
	}

	result := Result{Score: score, Category: CategoryFor(score)}
	c.log.WithFields(logrus.Fields{
		"score":    score,
		"category": result.Category.String(),
		"elapsed":  time.Since(start).String(),
	}).Debug("severity classified")

	return result, nil
}
