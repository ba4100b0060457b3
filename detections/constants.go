package detections

const (
	InputSize           = 640
	Channels            = 5
	ExpectedAnchors     = 8400
	ConfidenceThreshold = 0.5
)
