package onnx

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestPreprocessStandardizesPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 12), B: 90, A: 255})
		}
	}

	data := Preprocess(img, 16)
	if len(data) != 16*16*3 {
		t.Fatalf("expected %d values, got %d", 16*16*3, len(data))
	}

	var sum, sq float64
	for _, v := range data {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean := sum / float64(len(data))
	std := math.Sqrt(sq/float64(len(data)) - mean*mean)
	if math.Abs(mean) > 1e-3 {
		t.Fatalf("expected zero mean, got %f", mean)
	}
	if math.Abs(std-1) > 1e-3 {
		t.Fatalf("expected unit deviation, got %f", std)
	}
}

func TestPreprocessFlatImageStaysFinite(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for _, v := range Preprocess(img, 8) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("expected finite values, got %f", v)
		}
	}
}
