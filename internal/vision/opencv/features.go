package opencv

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/example/facecheck/internal/verify"
)

// SIFTExtractor detects SIFT keypoints and computes their descriptors.
// A detector is created per call, so the extractor is safe for concurrent use.
type SIFTExtractor struct{}

// NewSIFTExtractor returns a SIFT-backed verify.FeatureExtractor.
func NewSIFTExtractor() *SIFTExtractor {
	return &SIFTExtractor{}
}

// Extract implements verify.FeatureExtractor.
func (SIFTExtractor) Extract(ctx context.Context, gray *image.Gray) (verify.Features, error) {
	if err := ctx.Err(); err != nil {
		return verify.Features{}, err
	}
	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return verify.Features{}, fmt.Errorf("%w: %v", verify.ErrInvalidImage, err)
	}
	defer src.Close()

	sift := gocv.NewSIFT()
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := sift.DetectAndCompute(src, mask)
	defer desc.Close()

	features := verify.Features{Keypoints: make([]verify.Keypoint, len(kps))}
	for i, kp := range kps {
		features.Keypoints[i] = verify.Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		}
	}
	if desc.Empty() {
		return features, nil
	}
	features.Descriptors, err = matToRows(desc)
	if err != nil {
		return verify.Features{}, err
	}
	return features, nil
}

func matToRows(m gocv.Mat) ([][]float32, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	rows, cols := m.Rows(), m.Cols()
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		copy(row, data[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

func rowsToMat(rows [][]float32) (gocv.Mat, error) {
	if len(rows) == 0 {
		return gocv.NewMat(), nil
	}
	cols := len(rows[0])
	m := gocv.NewMatWithSize(len(rows), cols, gocv.MatTypeCV32F)
	for r, row := range rows {
		if len(row) != cols {
			m.Close()
			return gocv.Mat{}, fmt.Errorf("descriptor %d has %d values, want %d", r, len(row), cols)
		}
		for c, v := range row {
			m.SetFloatAt(r, c, v)
		}
	}
	return m, nil
}
