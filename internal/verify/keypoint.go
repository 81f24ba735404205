package verify

import (
	"context"
	"fmt"
	"image"
	"image/draw"
)

const (
	DefaultLoweRatio      = 0.7
	DefaultMatchThreshold = 0.1
)

// Keypoint is a detected local feature location.
type Keypoint struct {
	X, Y     float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
}

// Features holds keypoints and their descriptors, row-aligned.
type Features struct {
	Keypoints   []Keypoint
	Descriptors [][]float32
}

// FeatureExtractor runs a scale-invariant detector and descriptor extractor.
type FeatureExtractor interface {
	Extract(ctx context.Context, gray *image.Gray) (Features, error)
}

// Match pairs a query descriptor with a train descriptor.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// DescriptorMatcher returns up to k nearest train descriptors per query
// descriptor, ordered by ascending distance.
type DescriptorMatcher interface {
	KnnMatch(ctx context.Context, query, train [][]float32, k int) ([][]Match, error)
}

// KeypointResult reports a keypoint comparison.
type KeypointResult struct {
	GoodMatchCount int     `json:"good_match_count"`
	Baseline       int     `json:"baseline"`
	Score          float64 `json:"score"`
	Verified       bool    `json:"verified"`
	Threshold      float64 `json:"threshold"`
	LoweRatio      float64 `json:"lowe_ratio"`
}

func (r *KeypointResult) Strategy() Strategy { return StrategyKeypoint }
func (r *KeypointResult) Passed() bool       { return r.Verified }
func (r *KeypointResult) Value() float64     { return r.Score }

// KeypointConfig carries the calibrated inputs of the keypoint strategy.
type KeypointConfig struct {
	LoweRatio      float64
	MatchThreshold float64
}

// KeypointVerifier matches local features with Lowe's ratio test.
type KeypointVerifier struct {
	extractor      FeatureExtractor
	matcher        DescriptorMatcher
	loweRatio      float64
	matchThreshold float64
}

// NewKeypointVerifier returns a verifier; zero config values take the defaults.
func NewKeypointVerifier(extractor FeatureExtractor, matcher DescriptorMatcher, cfg KeypointConfig) (*KeypointVerifier, error) {
	if cfg.LoweRatio == 0 {
		cfg.LoweRatio = DefaultLoweRatio
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.LoweRatio <= 0 || cfg.LoweRatio >= 1 {
		return nil, fmt.Errorf("lowe ratio must be in (0, 1), got %v", cfg.LoweRatio)
	}
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold >= 1 {
		return nil, fmt.Errorf("match threshold must be in [0, 1), got %v", cfg.MatchThreshold)
	}
	return &KeypointVerifier{
		extractor:      extractor,
		matcher:        matcher,
		loweRatio:      cfg.LoweRatio,
		matchThreshold: cfg.MatchThreshold,
	}, nil
}

// Strategy implements Verifier.
func (v *KeypointVerifier) Strategy() Strategy { return StrategyKeypoint }

// Verify implements Verifier.
func (v *KeypointVerifier) Verify(ctx context.Context, reference, probe image.Image) (Result, error) {
	refFeat, err := v.extractor.Extract(ctx, Grayscale(reference))
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	probeFeat, err := v.extractor.Extract(ctx, Grayscale(probe))
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if len(refFeat.Descriptors) == 0 || len(probeFeat.Descriptors) == 0 {
		return nil, ErrNoKeypoints
	}

	knn, err := v.matcher.KnnMatch(ctx, refFeat.Descriptors, probeFeat.Descriptors, 2)
	if err != nil {
		return nil, err
	}
	good := v.countGoodMatches(knn)

	baseline := min(len(refFeat.Keypoints), len(probeFeat.Keypoints))
	if baseline == 0 {
		return nil, fmt.Errorf("%w: %d reference and %d probe keypoints", ErrZeroBaseline, len(refFeat.Keypoints), len(probeFeat.Keypoints))
	}
	good = min(good, baseline)
	score := float64(good) / float64(baseline)

	return &KeypointResult{
		GoodMatchCount: good,
		Baseline:       baseline,
		Score:          score,
		Verified:       score > v.matchThreshold,
		Threshold:      v.matchThreshold,
		LoweRatio:      v.loweRatio,
	}, nil
}

// countGoodMatches returns the number of queries whose nearest neighbour
// passes the ratio test.
func (v *KeypointVerifier) countGoodMatches(knn [][]Match) int {
	good := 0
	for _, pair := range knn {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < v.loweRatio*pair[1].Distance {
			good++
		}
	}
	return good
}

// Grayscale converts img to single-channel intensity.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}
