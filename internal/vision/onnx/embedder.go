// Package onnx runs face-embedding models through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/facecheck/internal/verify"
)

// Config describes the model file and its expected input.
type Config struct {
	SharedLibraryPath string
	ModelPath         string
	ModelName         string
	InputSize         int
	InputName         string
	OutputName        string
	EmbeddingSize     int
}

var envOnce struct {
	sync.Once
	err error
}

// Embedder is a verify.Embedder over one ONNX session. The session is created
// once and shared; ORT sessions accept concurrent Run calls, and tensors are
// allocated per call.
type Embedder struct {
	cfg     Config
	session *ort.DynamicAdvancedSession
}

// NewEmbedder initializes the ONNX Runtime environment (once per process) and
// loads the model. Failures are reported as verify.ErrModelUnavailable.
func NewEmbedder(cfg Config) (*Embedder, error) {
	if cfg.ModelName == "" {
		cfg.ModelName = "Facenet512"
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 160
	}
	if cfg.EmbeddingSize <= 0 {
		cfg.EmbeddingSize = 512
	}

	envOnce.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		envOnce.err = ort.InitializeEnvironment()
	})
	if envOnce.err != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %v", verify.ErrModelUnavailable, envOnce.err)
	}

	if cfg.InputName == "" || cfg.OutputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("%w: inspect %s: %v", verify.ErrModelUnavailable, cfg.ModelPath, err)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			return nil, fmt.Errorf("%w: %s declares no inputs or outputs", verify.ErrModelUnavailable, cfg.ModelPath)
		}
		if cfg.InputName == "" {
			cfg.InputName = inputs[0].Name
		}
		if cfg.OutputName == "" {
			cfg.OutputName = outputs[0].Name
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", verify.ErrModelUnavailable, cfg.ModelPath, err)
	}
	return &Embedder{cfg: cfg, session: session}, nil
}

// ModelName implements verify.Embedder.
func (e *Embedder) ModelName() string { return e.cfg.ModelName }

// Embed implements verify.Embedder.
func (e *Embedder) Embed(ctx context.Context, face image.Image) (verify.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return verify.Embedding{}, err
	}
	size := e.cfg.InputSize
	input, err := ort.NewTensor(ort.NewShape(1, int64(size), int64(size), 3), Preprocess(face, size))
	if err != nil {
		return verify.Embedding{}, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.cfg.EmbeddingSize)))
	if err != nil {
		return verify.Embedding{}, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := e.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return verify.Embedding{}, fmt.Errorf("run %s: %w", e.cfg.ModelName, err)
	}

	values := make([]float32, e.cfg.EmbeddingSize)
	copy(values, output.GetData())
	return verify.Embedding{Model: e.cfg.ModelName, Values: values}, nil
}

// Close releases the session. The ORT environment lives until process exit.
func (e *Embedder) Close() error {
	if e == nil || e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

// Preprocess resizes face to size x size and returns NHWC RGB values
// standardized to zero mean and unit variance.
func Preprocess(face image.Image, size int) []float32 {
	resized := imaging.Resize(face, size, size, imaging.Lanczos)
	data := make([]float32, 0, size*size*3)
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x, y)
			p := resized.Pix[off : off+3 : off+3]
			for _, c := range p {
				data = append(data, float32(c))
				sum += float64(c)
			}
		}
	}

	mean := sum / float64(len(data))
	var variance float64
	for _, v := range data {
		d := float64(v) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(data)))
	// Floor the deviation for flat crops, as Facenet prewhitening does.
	std = math.Max(std, 1/math.Sqrt(float64(len(data))))
	for i := range data {
		data[i] = float32((float64(data[i]) - mean) / std)
	}
	return data
}
