package main

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/scanner"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func blankFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestDirCameraFeedsSession(t *testing.T) {
	dir := t.TempDir()
	code := qr.Encode("2f1c6d3e-8a4b-4c5d-9e6f-0a1b2c3d4e5f", "Halte Sudirman", time.Unix(1700000000, 0))
	img, err := qr.RenderImage(code, 256)
	if err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(dir, "01-blank.png"), blankFrame())
	writePNG(t, filepath.Join(dir, "02-code.png"), img)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := scanner.NewSession(dirCamera{dir: dir}, qr.NewDecoder(), scanner.Options{FrameInterval: time.Millisecond})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, err := scanOnce(ctx, s)
	if err != nil {
		t.Fatalf("scanOnce() error = %v", err)
	}
	if text != code {
		t.Fatalf("scanOnce() = %q, want %q", text, code)
	}
}

func TestDirCameraMissingDirectoryIsDenied(t *testing.T) {
	cam := dirCamera{dir: filepath.Join(t.TempDir(), "missing")}
	perm, err := cam.Permission(context.Background())
	if err != nil || perm != scanner.PermissionDenied {
		t.Fatalf("Permission() = %v, %v", perm, err)
	}
}

func TestDirCameraEmptyDirectory(t *testing.T) {
	if _, err := (dirCamera{dir: t.TempDir()}).Open(context.Background(), scanner.DefaultConstraints); err == nil {
		t.Fatal("Open() on an empty directory succeeded")
	}
}
