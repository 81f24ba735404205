package verify

import "errors"

var (
	// ErrFaceNotDetected is returned when either image has no detectable face.
	ErrFaceNotDetected = errors.New("face not detected")
	// ErrMultipleFaces is returned by the single-face policy when an image holds more than one face.
	ErrMultipleFaces = errors.New("multiple faces detected")
	// ErrNoKeypoints is returned when either image yields an empty descriptor set.
	ErrNoKeypoints = errors.New("no keypoints detected")
	// ErrZeroBaseline is returned when descriptors exist but a keypoint set is empty.
	ErrZeroBaseline = errors.New("zero keypoint baseline")
	// ErrUserNotFound is returned when a user has no stored reference image.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidImage is returned for missing or undecodable image data.
	ErrInvalidImage = errors.New("invalid image")
	// ErrModelUnavailable is returned when a model or detector fails to load.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelMismatch is returned when embeddings from different models are compared.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// Kind classifies verification failures independently of the transport.
type Kind string

const (
	KindFaceNotDetected  Kind = "face_not_detected"
	KindMultipleFaces    Kind = "multiple_faces"
	KindNoKeypoints      Kind = "no_keypoints"
	KindZeroBaseline     Kind = "zero_baseline"
	KindUserNotFound     Kind = "user_not_found"
	KindInvalidImage     Kind = "invalid_image"
	KindModelUnavailable Kind = "model_unavailable"
	KindInternal         Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrFaceNotDetected, KindFaceNotDetected},
	{ErrMultipleFaces, KindMultipleFaces},
	{ErrNoKeypoints, KindNoKeypoints},
	{ErrZeroBaseline, KindZeroBaseline},
	{ErrUserNotFound, KindUserNotFound},
	{ErrInvalidImage, KindInvalidImage},
	{ErrModelUnavailable, KindModelUnavailable},
}

// KindOf reports the kind of err, looking through wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
