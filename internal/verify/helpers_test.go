package verify

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sort"
)

const blockSize = 8

// noiseImage returns a deterministic random grayscale image.
func noiseImage(seed int64, w, h int) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func uniformImage(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// blockExtractor emits one keypoint per non-uniform 8x8 block, using the raw
// block pixels as the descriptor.
type blockExtractor struct {
	calls int
}

func (e *blockExtractor) Extract(_ context.Context, gray *image.Gray) (Features, error) {
	e.calls++
	var f Features
	b := gray.Bounds()
	for y := b.Min.Y; y+blockSize <= b.Max.Y; y += blockSize {
		for x := b.Min.X; x+blockSize <= b.Max.X; x += blockSize {
			desc := make([]float32, 0, blockSize*blockSize)
			first := gray.GrayAt(x, y).Y
			textured := false
			for dy := 0; dy < blockSize; dy++ {
				for dx := 0; dx < blockSize; dx++ {
					v := gray.GrayAt(x+dx, y+dy).Y
					if v != first {
						textured = true
					}
					desc = append(desc, float32(v))
				}
			}
			if !textured {
				continue
			}
			f.Keypoints = append(f.Keypoints, Keypoint{X: float64(x), Y: float64(y), Size: blockSize})
			f.Descriptors = append(f.Descriptors, desc)
		}
	}
	return f, nil
}

// fixedExtractor returns the same features for every image.
type fixedExtractor struct {
	features Features
}

func (e *fixedExtractor) Extract(context.Context, *image.Gray) (Features, error) {
	return e.features, nil
}

// bruteForceMatcher is an exact L2 k-nearest-neighbour search.
type bruteForceMatcher struct{}

func (bruteForceMatcher) KnnMatch(_ context.Context, query, train [][]float32, k int) ([][]Match, error) {
	out := make([][]Match, len(query))
	for qi, q := range query {
		candidates := make([]Match, 0, len(train))
		for ti, t := range train {
			var sum float64
			for i := range q {
				d := float64(q[i]) - float64(t[i])
				sum += d * d
			}
			candidates = append(candidates, Match{QueryIdx: qi, TrainIdx: ti, Distance: math.Sqrt(sum)})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		out[qi] = candidates
	}
	return out, nil
}

// scriptedMatcher returns canned k-NN results.
type scriptedMatcher struct {
	knn [][]Match
}

func (m scriptedMatcher) KnnMatch(context.Context, [][]float32, [][]float32, int) ([][]Match, error) {
	return m.knn, nil
}

// stubDetector returns faces[i] on its i-th call, or one face covering the
// whole image when whole is set.
type stubDetector struct {
	faces [][]image.Rectangle
	whole bool
	calls int
}

func (d *stubDetector) DetectFaces(_ context.Context, img image.Image) ([]image.Rectangle, error) {
	defer func() { d.calls++ }()
	if d.whole {
		return []image.Rectangle{img.Bounds()}, nil
	}
	if d.calls < len(d.faces) {
		return d.faces[d.calls], nil
	}
	return nil, nil
}

// gridEmbedder averages intensity over a 4x4 grid of the face crop.
type gridEmbedder struct {
	model string
	crops []image.Rectangle
}

func (e *gridEmbedder) ModelName() string { return e.model }

func (e *gridEmbedder) Embed(_ context.Context, face image.Image) (Embedding, error) {
	b := face.Bounds()
	e.crops = append(e.crops, b)
	const n = 4
	values := make([]float32, n*n)
	counts := make([]float32, n*n)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gy := (y - b.Min.Y) * n / b.Dy()
			gx := (x - b.Min.X) * n / b.Dx()
			c := color.GrayModel.Convert(face.At(x, y)).(color.Gray)
			values[gy*n+gx] += float32(c.Y) + 1
			counts[gy*n+gx]++
		}
	}
	for i := range values {
		if counts[i] > 0 {
			values[i] /= counts[i]
		}
	}
	return Embedding{Model: e.model, Values: values}, nil
}

// sequenceEmbedder returns its outputs in order, one per call.
type sequenceEmbedder struct {
	model   string
	outputs []Embedding
	calls   int
}

func (e *sequenceEmbedder) ModelName() string { return e.model }

func (e *sequenceEmbedder) Embed(context.Context, image.Image) (Embedding, error) {
	out := e.outputs[e.calls%len(e.outputs)]
	e.calls++
	return out, nil
}
