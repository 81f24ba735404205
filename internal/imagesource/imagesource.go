package imagesource

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/example/facecheck/internal/verify"
)

var extensions = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"bmp":  ".bmp",
	"tiff": ".tiff",
}

// Source decodes probe uploads and stored reference photos, and owns the
// directories they live in.
type Source struct {
	uploadDir    string
	referenceDir string
	maxDimension int
}

// New creates the upload and reference directories if needed. A positive
// maxDimension bounds the longer side of every decoded image.
func New(uploadDir, referenceDir string, maxDimension int) (*Source, error) {
	for _, dir := range []string{uploadDir, referenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Source{uploadDir: uploadDir, referenceDir: referenceDir, maxDimension: maxDimension}, nil
}

// Decode turns uploaded bytes into an image, honouring EXIF orientation.
func (s *Source) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", verify.ErrInvalidImage)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verify.ErrInvalidImage, err)
	}
	return s.bound(img), nil
}

// Open loads a stored reference photo. The file is only read.
func (s *Source) Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: reference photo %s missing", verify.ErrUserNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("open reference photo: %w", err)
	}
	return s.bound(img), nil
}

// OpenProbe decodes a probe previously written by Stage. A staged file that
// cannot be read is a server fault, not an invalid upload.
func (s *Source) OpenProbe(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staged probe: %w", err)
	}
	return s.Decode(data)
}

func (s *Source) bound(img image.Image) image.Image {
	if s.maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= s.maxDimension && b.Dy() <= s.maxDimension {
		return img
	}
	return imaging.Fit(img, s.maxDimension, s.maxDimension, imaging.Lanczos)
}

// Stage writes a probe upload to the upload directory. The returned cleanup
// removes it and must be called on every path.
func (s *Source) Stage(data []byte) (string, func() error, error) {
	f, err := os.CreateTemp(s.uploadDir, "probe-*")
	if err != nil {
		return "", nil, fmt.Errorf("stage probe: %w", err)
	}
	path := f.Name()
	cleanup := func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = cleanup()
		return "", nil, fmt.Errorf("stage probe: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = cleanup()
		return "", nil, fmt.Errorf("stage probe: %w", err)
	}
	return path, cleanup, nil
}

// SaveReference fully decodes a registration photo and stores the original
// bytes under a generated name, returning its path.
func (s *Source) SaveReference(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", verify.ErrInvalidImage)
	}
	_, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", verify.ErrInvalidImage, err)
	}
	ext, ok := extensions[format]
	if !ok {
		return "", fmt.Errorf("%w: unsupported format %s", verify.ErrInvalidImage, format)
	}
	path := filepath.Join(s.referenceDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store reference photo: %w", err)
	}
	return path, nil
}

// RemoveReference deletes a stored reference photo, used to roll back a
// failed registration.
func (s *Source) RemoveReference(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
