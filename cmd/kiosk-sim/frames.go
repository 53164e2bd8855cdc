package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/indraafito/EcoTrade-sub000/internal/scanner"
)

// dirCamera replays the PNG and JPEG files in a directory as camera frames, in
// name order, looping forever.
type dirCamera struct {
	dir string
}

func (c dirCamera) Permission(context.Context) (scanner.Permission, error) {
	info, err := os.Stat(c.dir)
	if err != nil || !info.IsDir() {
		return scanner.PermissionDenied, nil
	}
	return scanner.PermissionGranted, nil
}

func (c dirCamera) Open(ctx context.Context, _ scanner.Constraints) (scanner.Stream, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}

	var paths []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(c.dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames in %s", c.dir)
	}
	sort.Strings(paths)

	s := &fileStream{ready: make(chan struct{})}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := loadFrame(p)
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, img)
	}
	close(s.ready)
	return s, nil
}

func loadFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

type fileStream struct {
	ready chan struct{}

	mu     sync.Mutex
	frames []image.Image
	next   int
	closed bool
}

func (s *fileStream) Ready() <-chan struct{} {
	return s.ready
}

func (s *fileStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("stream closed")
	}
	img := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return img, nil
}

func (s *fileStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
