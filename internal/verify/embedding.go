package verify

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// FaceDetector locates faces in an image. Detections are returned in the
// detector's own order; the first entry is its primary detection.
type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// Embedding is a face representation produced by one model.
type Embedding struct {
	Model  string
	Values []float32
}

// Embedder maps a cropped face to an embedding.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) (Embedding, error)
	ModelName() string
}

// FacePolicy picks one face when a detector returns several.
type FacePolicy string

const (
	FacePolicyFirst   FacePolicy = "first"
	FacePolicyLargest FacePolicy = "largest"
	FacePolicySingle  FacePolicy = "single"
)

// ParseFacePolicy validates a configured policy name.
func ParseFacePolicy(name string) (FacePolicy, error) {
	switch p := FacePolicy(name); p {
	case FacePolicyFirst, FacePolicyLargest, FacePolicySingle:
		return p, nil
	default:
		return "", fmt.Errorf("unknown face policy %q", name)
	}
}

// Select returns the face the policy keeps. faces must not be empty.
func (p FacePolicy) Select(faces []image.Rectangle) (image.Rectangle, error) {
	switch p {
	case FacePolicyLargest:
		best := faces[0]
		for _, f := range faces[1:] {
			if f.Dx()*f.Dy() > best.Dx()*best.Dy() {
				best = f
			}
		}
		return best, nil
	case FacePolicySingle:
		if len(faces) > 1 {
			return image.Rectangle{}, fmt.Errorf("%w: %d faces", ErrMultipleFaces, len(faces))
		}
		return faces[0], nil
	default:
		return faces[0], nil
	}
}

// EmbeddingResult reports an embedding comparison.
type EmbeddingResult struct {
	Model             string  `json:"model"`
	Metric            Metric  `json:"metric"`
	Distance          float64 `json:"distance"`
	Threshold         float64 `json:"threshold"`
	Verified          bool    `json:"verified"`
	SimilarityPercent float64 `json:"similarity_percent"`
}

func (r *EmbeddingResult) Strategy() Strategy { return StrategyEmbedding }
func (r *EmbeddingResult) Passed() bool       { return r.Verified }
func (r *EmbeddingResult) Value() float64     { return r.Distance }

// EmbeddingConfig carries the calibrated inputs of the embedding strategy.
type EmbeddingConfig struct {
	Metric Metric
	// Threshold overrides the calibrated value when positive.
	Threshold float64
	Policy    FacePolicy
}

// EmbeddingVerifier compares face embeddings against a calibrated threshold.
type EmbeddingVerifier struct {
	detector  FaceDetector
	embedder  Embedder
	metric    Metric
	threshold float64
	policy    FacePolicy
}

// NewEmbeddingVerifier resolves the threshold for the embedder's model and
// returns a verifier ready for concurrent use.
func NewEmbeddingVerifier(detector FaceDetector, embedder Embedder, cfg EmbeddingConfig) (*EmbeddingVerifier, error) {
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.Policy == "" {
		cfg.Policy = FacePolicyFirst
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		t, err := Threshold(embedder.ModelName(), cfg.Metric)
		if err != nil {
			return nil, err
		}
		threshold = t
	}
	return &EmbeddingVerifier{
		detector:  detector,
		embedder:  embedder,
		metric:    cfg.Metric,
		threshold: threshold,
		policy:    cfg.Policy,
	}, nil
}

// Strategy implements Verifier.
func (v *EmbeddingVerifier) Strategy() Strategy { return StrategyEmbedding }

// Verify implements Verifier.
func (v *EmbeddingVerifier) Verify(ctx context.Context, reference, probe image.Image) (Result, error) {
	refEmb, err := v.represent(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	probeEmb, err := v.represent(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if refEmb.Model != probeEmb.Model {
		return nil, fmt.Errorf("%w: %s vs %s", ErrModelMismatch, refEmb.Model, probeEmb.Model)
	}

	distance, err := Distance(v.metric, refEmb.Values, probeEmb.Values)
	if err != nil {
		return nil, err
	}
	return &EmbeddingResult{
		Model:             refEmb.Model,
		Metric:            v.metric,
		Distance:          distance,
		Threshold:         v.threshold,
		Verified:          distance <= v.threshold,
		SimilarityPercent: (1 - distance/v.threshold) * 100,
	}, nil
}

func (v *EmbeddingVerifier) represent(ctx context.Context, img image.Image) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}
	faces, err := v.detector.DetectFaces(ctx, img)
	if err != nil {
		return Embedding{}, err
	}
	if len(faces) == 0 {
		return Embedding{}, ErrFaceNotDetected
	}
	face, err := v.policy.Select(faces)
	if err != nil {
		return Embedding{}, err
	}
	crop := imaging.Crop(img, face)
	return v.embedder.Embed(ctx, crop)
}
