package qr

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"
	goqr "github.com/skip2/go-qrcode"
)

// DefaultImageSize is the side length in pixels of rendered codes.
const DefaultImageSize = 512

// RenderPNG draws text as a PNG QR code.
func RenderPNG(text string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultImageSize
	}
	png, err := goqr.Encode(text, goqr.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return png, nil
}

// RenderImage draws text as an in-memory QR code image.
func RenderImage(text string, size int) (image.Image, error) {
	if size <= 0 {
		size = DefaultImageSize
	}
	code, err := goqr.New(text, goqr.Medium)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return code.Image(size), nil
}

// Decoder finds and decodes a QR code in a single frame. It is safe for concurrent use.
type Decoder struct {
	mu     sync.Mutex
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewDecoder returns a Decoder backed by the zxing QR reader.
func NewDecoder() *Decoder {
	return &Decoder{
		reader: zxqr.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode returns the text of the code in img. ok is false when the frame holds
// no readable code; err is reserved for frames that cannot be processed at all.
func (d *Decoder) Decode(img image.Image) (text string, ok bool, err error) {
	if img == nil {
		return "", false, errors.New("decode qr: nil frame")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false, fmt.Errorf("decode qr: %w", err)
	}

	d.mu.Lock()
	res, err := d.reader.Decode(bmp, d.hints)
	d.mu.Unlock()
	if err != nil {
		if _, miss := err.(gozxing.ReaderException); miss {
			return "", false, nil
		}
		return "", false, fmt.Errorf("decode qr: %w", err)
	}
	return res.GetText(), true, nil
}
