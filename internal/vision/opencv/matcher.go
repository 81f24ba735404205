package opencv

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/example/facecheck/internal/verify"
)

// MatcherKind selects the nearest-neighbour backend.
type MatcherKind string

const (
	MatcherFlann      MatcherKind = "flann"
	MatcherBruteForce MatcherKind = "bruteforce"
)

// Matcher is a verify.DescriptorMatcher backed by OpenCV. The underlying
// OpenCV matcher holds an index, so one is built per call.
type Matcher struct {
	kind MatcherKind
}

// NewMatcher validates kind and returns a matcher.
func NewMatcher(kind string) (*Matcher, error) {
	switch k := MatcherKind(kind); k {
	case MatcherFlann, MatcherBruteForce:
		return &Matcher{kind: k}, nil
	case "":
		return &Matcher{kind: MatcherFlann}, nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", kind)
	}
}

// KnnMatch implements verify.DescriptorMatcher.
func (m *Matcher) KnnMatch(ctx context.Context, query, train [][]float32, k int) ([][]verify.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := rowsToMat(query)
	if err != nil {
		return nil, err
	}
	defer q.Close()
	t, err := rowsToMat(train)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	var raw [][]gocv.DMatch
	switch m.kind {
	case MatcherBruteForce:
		bf := gocv.NewBFMatcher()
		defer bf.Close()
		raw = bf.KnnMatch(q, t, k)
	default:
		flann := gocv.NewFlannBasedMatcher()
		defer flann.Close()
		raw = flann.KnnMatch(q, t, k)
	}

	out := make([][]verify.Match, len(raw))
	for i, neighbours := range raw {
		out[i] = make([]verify.Match, len(neighbours))
		for j, dm := range neighbours {
			out[i][j] = verify.Match{QueryIdx: dm.QueryIdx, TrainIdx: dm.TrainIdx, Distance: dm.Distance}
		}
	}
	return out, nil
}
