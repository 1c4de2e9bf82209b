package face

import "errors"

var (
	ErrNoFaceDetected   = errors.New("no face detected")
	ErrInvalidRegion    = errors.New("invalid face region")
	ErrDecode           = errors.New("image decode failed")
	ErrResize           = errors.New("image resize failed")
	ErrModelLoad        = errors.New("model load failed")
	ErrInference        = errors.New("inference failed")
	ErrDegenerateVector = errors.New("degenerate embedding vector")
)

// Failure is the user-facing classification of a failed pipeline run.
type Failure string

const (
	FailureNone       Failure = ""
	FailureNoFace     Failure = "no_face"
	FailureProcessing Failure = "processing_failed"
)

// Classify maps a pipeline error to the outcome shown to the user.
func Classify(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNoFaceDetected):
		return FailureNoFace
	default:
		return FailureProcessing
	}
}
