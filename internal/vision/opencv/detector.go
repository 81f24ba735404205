// Package opencv provides the OpenCV-backed face detector, SIFT extractor and
// descriptor matchers used by the verifiers.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/example/facecheck/internal/verify"
)

// DefaultCascadeFile is the frontal-face Haar cascade shipped with OpenCV.
const DefaultCascadeFile = "haarcascade_frontalface_default.xml"

var cascadeSearchPaths = []string{
	"/usr/local/share/opencv4/haarcascades",
	"/usr/share/opencv4/haarcascades",
	"/opt/homebrew/share/opencv4/haarcascades",
}

// DetectorConfig tunes the cascade detector.
type DetectorConfig struct {
	CascadePath  string
	PoolSize     int
	ScaleFactor  float64
	MinNeighbors int
	MinFaceSize  int
}

// CascadeDetector detects faces with a pool of Haar cascade classifiers.
// A classifier is not safe for concurrent use, so each call borrows one.
type CascadeDetector struct {
	pool         chan *gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

// NewCascadeDetector loads PoolSize classifiers. Any load failure is reported
// as verify.ErrModelUnavailable.
func NewCascadeDetector(cfg DetectorConfig) (*CascadeDetector, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.1
	}
	if cfg.MinNeighbors <= 0 {
		cfg.MinNeighbors = 5
	}
	path, err := resolveCascade(cfg.CascadePath)
	if err != nil {
		return nil, err
	}

	d := &CascadeDetector{
		pool:         make(chan *gocv.CascadeClassifier, cfg.PoolSize),
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		minSize:      image.Pt(cfg.MinFaceSize, cfg.MinFaceSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		classifier := gocv.NewCascadeClassifier()
		if !classifier.Load(path) {
			classifier.Close()
			d.Close()
			return nil, fmt.Errorf("%w: load cascade %s", verify.ErrModelUnavailable, path)
		}
		d.pool <- &classifier
	}
	return d, nil
}

func resolveCascade(path string) (string, error) {
	candidates := []string{path}
	if path == "" {
		candidates = candidates[:0]
		for _, dir := range cascadeSearchPaths {
			candidates = append(candidates, filepath.Join(dir, DefaultCascadeFile))
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: cascade file not found (tried %v)", verify.ErrModelUnavailable, candidates)
}

// DetectFaces implements verify.FaceDetector.
func (d *CascadeDetector) DetectFaces(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	var classifier *gocv.CascadeClassifier
	select {
	case classifier = <-d.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.pool <- classifier }()

	gray, err := gocv.ImageGrayToMatGray(verify.Grayscale(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verify.ErrInvalidImage, err)
	}
	defer gray.Close()

	equalized := gocv.NewMat()
	defer equalized.Close()
	gocv.EqualizeHist(gray, &equalized)

	faces := classifier.DetectMultiScaleWithParams(equalized, d.scaleFactor, d.minNeighbors, 0, d.minSize, image.Point{})
	offset := img.Bounds().Min
	for i := range faces {
		faces[i] = faces[i].Add(offset)
	}
	return faces, nil
}

// Close releases every pooled classifier. It must not race with DetectFaces.
func (d *CascadeDetector) Close() error {
	for {
		select {
		case c := <-d.pool:
			c.Close()
		default:
			return nil
		}
	}
}
