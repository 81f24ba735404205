package verify

import (
	"fmt"
	"math"
)

// Metric names a distance function between two embeddings.
type Metric string

const (
	MetricCosine      Metric = "cosine"
	MetricEuclidean   Metric = "euclidean"
	MetricEuclideanL2 Metric = "euclidean_l2"
)

// ParseMetric validates a configured metric name.
func ParseMetric(name string) (Metric, error) {
	switch m := Metric(name); m {
	case MetricCosine, MetricEuclidean, MetricEuclideanL2:
		return m, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", name)
	}
}

type thresholdKey struct {
	model  string
	metric Metric
}

// Calibrated verification thresholds per model and metric. A pair at or below
// the threshold is treated as the same person.
var calibratedThresholds = map[thresholdKey]float64{
	{"VGG-Face", MetricCosine}: 0.68, {"VGG-Face", MetricEuclidean}: 1.17, {"VGG-Face", MetricEuclideanL2}: 1.17,
	{"Facenet", MetricCosine}: 0.40, {"Facenet", MetricEuclidean}: 10, {"Facenet", MetricEuclideanL2}: 0.80,
	{"Facenet512", MetricCosine}: 0.30, {"Facenet512", MetricEuclidean}: 23.56, {"Facenet512", MetricEuclideanL2}: 1.04,
	{"ArcFace", MetricCosine}: 0.68, {"ArcFace", MetricEuclidean}: 4.15, {"ArcFace", MetricEuclideanL2}: 1.13,
	{"Dlib", MetricCosine}: 0.07, {"Dlib", MetricEuclidean}: 0.6, {"Dlib", MetricEuclideanL2}: 0.4,
	{"SFace", MetricCosine}: 0.593, {"SFace", MetricEuclidean}: 10.734, {"SFace", MetricEuclideanL2}: 1.055,
	{"OpenFace", MetricCosine}: 0.10, {"OpenFace", MetricEuclidean}: 0.55, {"OpenFace", MetricEuclideanL2}: 0.55,
	{"DeepFace", MetricCosine}: 0.23, {"DeepFace", MetricEuclidean}: 64, {"DeepFace", MetricEuclideanL2}: 0.64,
	{"DeepID", MetricCosine}: 0.015, {"DeepID", MetricEuclidean}: 45, {"DeepID", MetricEuclideanL2}: 0.17,
	{"GhostFaceNet", MetricCosine}: 0.65, {"GhostFaceNet", MetricEuclidean}: 35.71, {"GhostFaceNet", MetricEuclideanL2}: 1.10,
}

// Threshold returns the calibrated threshold for a model and metric.
func Threshold(model string, metric Metric) (float64, error) {
	t, ok := calibratedThresholds[thresholdKey{model, metric}]
	if !ok {
		return 0, fmt.Errorf("no calibrated threshold for model %q with metric %q", model, metric)
	}
	return t, nil
}

// Distance computes the metric between a and b. Vectors must have equal length.
func Distance(metric Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("embedding length mismatch: %d vs %d", len(a), len(b))
	}
	switch metric {
	case MetricCosine:
		return cosineDistance(a, b), nil
	case MetricEuclidean:
		return euclidean(a, b, 1, 1), nil
	case MetricEuclideanL2:
		return euclidean(a, b, norm(a), norm(b)), nil
	default:
		return 0, fmt.Errorf("unknown distance metric %q", metric)
	}
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// euclidean divides each vector by its scale before taking the distance.
func euclidean(a, b []float32, sa, sb float64) float64 {
	if sa == 0 {
		sa = 1
	}
	if sb == 0 {
		sb = 1
	}
	var sum float64
	for i := range a {
		d := float64(a[i])/sa - float64(b[i])/sb
		sum += d * d
	}
	return math.Sqrt(sum)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
