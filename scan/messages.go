package scan

const (
	MsgNoPhoto       = "No Photo: Please Retake"
	MsgNoCat         = "No Cat Found: Retake Photo"
	MsgCroppingError = "Cropping Error: Retake Photo"
	MsgScanError     = "Scan Error: Retake Photo"

	StatusDetecting   = "Detecting cat..."
	StatusLocating    = "Locating cat face..."
	StatusClassifying = "Assessing eye health..."
)
