package frames

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Render targets sent by the backend.
const (
	TargetPreview = "preview"
	TargetXError  = "xerror"
	TargetYError  = "yerror"
	TargetXYError = "xyerror"
	TargetRError  = "rerror"
	TargetAError  = "aerror"
)

// ErrorTargets lists the distortion map targets in export order.
var ErrorTargets = []string{TargetXError, TargetYError, TargetXYError, TargetRError, TargetAError}

// MaxDimension bounds the width and height of a stored frame.
const MaxDimension = 1 << 15

// ErrNoFrame is returned when no frame has arrived for a target yet.
var ErrNoFrame = errors.New("no frame for target")

// Frame is one received RGBA image.
type Frame struct {
	Image    *image.RGBA
	Received time.Time
}

// Store keeps the latest frame per target.
type Store struct {
	mu     sync.RWMutex
	frames map[string]Frame
}

func NewStore() *Store {
	return &Store{frames: make(map[string]Frame)}
}

// Put stores a copy of rgba as the latest frame of target.
func (s *Store) Put(target string, width, height int, rgba []byte) error {
	if target == "" {
		return errors.New("frame has no target")
	}
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension || len(rgba) != width*height*4 {
		return fmt.Errorf("frame %dx%d does not match %d bytes", width, height, len(rgba))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, rgba)

	s.mu.Lock()
	s.frames[target] = Frame{Image: img, Received: time.Now()}
	s.mu.Unlock()
	return nil
}

// Get returns the latest frame of target.
func (s *Store) Get(target string) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[target]
	return f, ok
}

// Targets returns the targets that currently hold a frame.
func (s *Store) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.frames))
	for t := range s.frames {
		out = append(out, t)
	}
	return out
}

// Clear drops all frames.
func (s *Store) Clear() {
	s.mu.Lock()
	s.frames = make(map[string]Frame)
	s.mu.Unlock()
}

// PNG encodes the latest frame of target.
func (s *Store) PNG(target string) ([]byte, error) {
	f, ok := s.Get(target)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFrame, target)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", target, err)
	}
	return buf.Bytes(), nil
}

// WritePNG writes the latest frame of target to path.
func (s *Store) WritePNG(target, path string) error {
	data, err := s.PNG(target)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ExportOptions controls which images Export writes.
type ExportOptions struct {
	Dir              string
	Prefix           string
	IncludeErrorMaps bool
	Mask             []byte // PNG, written as <prefix>_mask.png when set
	Unrolling        []byte // PNG, written as <prefix>_cyl.png when set
}

// Export writes the preview and the selected extras into opts.Dir and
// returns the written paths. Error maps that never arrived are skipped.
func (s *Store) Export(opts ExportOptions) ([]string, error) {
	if opts.Prefix == "" {
		opts.Prefix = "export"
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	var written []string
	preview := filepath.Join(opts.Dir, opts.Prefix+".png")
	if err := s.WritePNG(TargetPreview, preview); err != nil {
		return nil, err
	}
	written = append(written, preview)

	if opts.IncludeErrorMaps {
		for _, target := range ErrorTargets {
			path := filepath.Join(opts.Dir, opts.Prefix+"_"+target+".png")
			err := s.WritePNG(target, path)
			if errors.Is(err, ErrNoFrame) {
				continue
			}
			if err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}

	for _, extra := range []struct {
		suffix string
		data   []byte
	}{
		{"_mask.png", opts.Mask},
		{"_cyl.png", opts.Unrolling},
	} {
		if len(extra.data) == 0 {
			continue
		}
		path := filepath.Join(opts.Dir, opts.Prefix+extra.suffix)
		if err := os.WriteFile(path, extra.data, 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
