package services

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"golang.org/x/image/draw"
)

// FSArtifactStore writes full images and thumbnails under the configured
// artifact root, following the per-day layout
// <root>/<user_id>/<yyyy>/<mm>/<dd>/<job_id>_<index>.<ext>.
// Paths returned are absolute. Each (job, output_index) owns a unique
// path, so concurrent workers never contend on a file.
type FSArtifactStore struct {
	root     string
	thumbDim int
	now      func() time.Time
}

func NewFSArtifactStore(root string, thumbDim int) (*FSArtifactStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	if thumbDim <= 0 {
		thumbDim = 256
	}
	return &FSArtifactStore{root: abs, thumbDim: thumbDim, now: time.Now}, nil
}

func (s *FSArtifactStore) dayDir(userID string) (string, error) {
	t := s.now().UTC()
	dir := filepath.Join(s.root, userID, fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return dir, nil
}

func (s *FSArtifactStore) WriteOutput(userID string, jobID domain.JobID, index int, ext string, data []byte) (string, error) {
	dir, err := s.dayDir(userID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.%s", jobID, index, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return path, nil
}

func (s *FSArtifactStore) WriteThumbnail(userID string, jobID domain.JobID, index int, ext string, data []byte) (string, error) {
	dir, err := s.dayDir(userID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("thumb_%s_%d.%s", jobID, index, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return path, nil
}

// ThumbDim is the configured longest edge for thumbnails.
func (s *FSArtifactStore) ThumbDim() int {
	return s.thumbDim
}

// Thumbnail scales an image so its longest edge is maxDim pixels,
// preserving aspect ratio. PNG input stays PNG; anything else is
// re-encoded as JPEG. Returns the encoded bytes and the extension.
func Thumbnail(data []byte, maxDim int) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, "", fmt.Errorf("invalid image dimensions %dx%d", w, h)
	}

	tw, th := maxDim, maxDim
	if w > h {
		th = h * maxDim / w
	} else {
		tw = w * maxDim / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, dst); err != nil {
			return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		return buf.Bytes(), "png", nil
	}
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), "jpg", nil
}
