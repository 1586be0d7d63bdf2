package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrImageDecode reports an empty or unparseable image payload.
var ErrImageDecode = errors.New("image decode failed")

// Source is anything the normalizer can turn into a bitmap.
type Source interface {
	Image() (image.Image, error)
}

// Bytes is an encoded image (PNG, JPEG, GIF, BMP, TIFF or WebP). A payload
// starting with "data:" is treated as a base64 data URL.
type Bytes []byte

// Image decodes the payload.
func (b Bytes) Image() (image.Image, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrImageDecode)
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		return Base64(trimmed).Image()
	}
	img, _, err := image.Decode(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return img, nil
}

// Base64 is a base64 encoded image, optionally carrying a
// "data:image/...;base64," header as produced by canvas.toDataURL.
type Base64 string

// Image strips the data URL header and decodes the payload.
func (s Base64) Image() (image.Image, error) {
	payload := strings.TrimSpace(string(s))
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: data URL without payload", ErrImageDecode)
		}
		payload = payload[comma+1:]
	}
	payload = strings.Join(strings.Fields(payload), "")
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrImageDecode)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrImageDecode, err)
		}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return img, nil
}

// Bitmap wraps an already decoded image.
type Bitmap struct {
	Img image.Image
}

// Image returns the wrapped image.
func (b Bitmap) Image() (image.Image, error) {
	if b.Img == nil {
		return nil, fmt.Errorf("%w: nil bitmap", ErrImageDecode)
	}
	if r := b.Img.Bounds(); r.Empty() {
		return nil, fmt.Errorf("%w: empty bitmap", ErrImageDecode)
	}
	return b.Img, nil
}

// Pixels is a raw row-major 8-bit pixel array with 1 (gray), 3 (RGB) or 4
// (RGBA, non-premultiplied as in canvas ImageData) channels.
type Pixels struct {
	Width    int
	Height   int
	Channels int
	Data     []uint8
}

// Image builds a bitmap over a copy of the pixel data.
func (p Pixels) Image() (image.Image, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid pixel dimensions %dx%d", ErrImageDecode, p.Width, p.Height)
	}
	if want := p.Width * p.Height * p.Channels; len(p.Data) != want || want == 0 {
		return nil, fmt.Errorf("%w: got %d pixel values, want %d", ErrImageDecode, len(p.Data), want)
	}
	rect := image.Rect(0, 0, p.Width, p.Height)
	switch p.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, p.Data)
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for i := 0; i < p.Width*p.Height; i++ {
			img.Pix[i*4+0] = p.Data[i*3+0]
			img.Pix[i*4+1] = p.Data[i*3+1]
			img.Pix[i*4+2] = p.Data[i*3+2]
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, p.Data)
		return img, nil
	}
	return nil, fmt.Errorf("%w: unsupported channel count %d", ErrImageDecode, p.Channels)
}
