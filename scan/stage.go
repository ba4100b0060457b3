package scan

import (
	"fmt"
	"time"
)

type Stage int

const (
	Idle Stage = iota
	DetectingCat
	LocatingFace
	ClassifyingSeverity
	Done
	Error
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "Idle"
	case DetectingCat:
		return "DetectingCat"
	case LocatingFace:
		return "LocatingFace"
	case ClassifyingSeverity:
		return "ClassifyingSeverity"
	case Done:
		return "Done"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for st := Idle; st <= Error; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// Label is the short stage name shown above the progress indicator.
func (s Stage) Label() string {
	switch s {
	case DetectingCat:
		return "Detecting Cat"
	case LocatingFace:
		return "Locating Face"
	case ClassifyingSeverity:
		return "Classifying Severity"
	case Done:
		return "Scan Complete"
	case Error:
		return "Scan Failed"
	default:
		return "Idle"
	}
}

// StatusText is the progress line shown while the stage runs.
func (s Stage) StatusText() string {
	switch s {
	case DetectingCat:
		return StatusDetecting
	case LocatingFace:
		return StatusLocating
	case ClassifyingSeverity:
		return StatusClassifying
	default:
		return ""
	}
}

// Pacing holds the user-perceptible delays of a scan. Zero disables a delay.
type Pacing struct {
	LeadIn       time.Duration
	MinStage     time.Duration
	StagePause   time.Duration
	BoxDisplay   time.Duration
	ErrorDisplay time.Duration
}

func DefaultPacing() Pacing {
	return Pacing{
		LeadIn:       2500 * time.Millisecond,
		MinStage:     5 * time.Second,
		StagePause:   time.Second,
		BoxDisplay:   5 * time.Second,
		ErrorDisplay: 5 * time.Second,
	}
}

// NoPacing runs every stage as fast as the models allow.
func NoPacing() Pacing {
	return Pacing{}
}
