// Package preprocess turns freehand drawings into the fixed-shape tensor the
// character classifier was trained on: bright strokes on a dark background,
// cropped to the glyph, centred on a square canvas and scaled to [0,1].
package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
)

// Drawing canvases export a transparent background; compositing onto white
// matches what the user saw.
var background = color.White

// Options controls the normalization policy. Thresholds are 8-bit
// intensities and are tuned against the trained model.
type Options struct {
	// Size is the square model input edge in pixels.
	Size int `json:"size"`
	// Channels is the model input channel count (1 or 3).
	Channels int `json:"channels"`
	// Layout is the model input dimension order.
	Layout tensor.Layout `json:"layout"`

	// BrightThreshold: an image whose pixels are mostly strictly brighter
	// than this is dark ink on a light background and gets inverted.
	// Zero selects the default.
	BrightThreshold uint8 `json:"bright_threshold"`
	// ForegroundThreshold: after polarity correction, pixels strictly
	// brighter than this belong to the glyph. Zero selects the default.
	ForegroundThreshold uint8 `json:"foreground_threshold"`
	// Margin is kept around the glyph bounding box before rescaling.
	// Negative disables it.
	Margin int `json:"margin"`

	// MedianRadius enables median denoising when > 0.
	MedianRadius float64 `json:"median_radius"`
	// ContrastPercent adjusts contrast when non-zero (100 doubles it).
	ContrastPercent float64 `json:"contrast_percent"`
}

// DefaultOptions is the hiragana canvas pipeline: 28x28x1, NHWC.
func DefaultOptions() Options {
	return Options{
		Size:                28,
		Channels:            1,
		Layout:              tensor.NHWC,
		BrightThreshold:     200,
		ForegroundThreshold: 25,
		Margin:              5,
	}
}

// ApplyDefaults fills zero values from DefaultOptions. A zero threshold is
// therefore never in effect; 1 is the lowest usable value.
func (o *Options) ApplyDefaults() {
	def := DefaultOptions()
	if o.Size <= 0 {
		o.Size = def.Size
	}
	if o.Channels <= 0 {
		o.Channels = def.Channels
	}
	if o.Layout == "" {
		o.Layout = def.Layout
	}
	if o.BrightThreshold == 0 {
		o.BrightThreshold = def.BrightThreshold
	}
	if o.ForegroundThreshold == 0 {
		o.ForegroundThreshold = def.ForegroundThreshold
	}
	if o.Margin == 0 {
		o.Margin = def.Margin
	}
}

// Normalizer converts drawings into model input tensors. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	opts Options
}

// NewNormalizer validates opts after applying defaults.
func NewNormalizer(opts Options) (*Normalizer, error) {
	opts.ApplyDefaults()
	layout, err := tensor.ParseLayout(string(opts.Layout))
	if err != nil {
		return nil, err
	}
	opts.Layout = layout
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", opts.Channels)
	}
	return &Normalizer{opts: opts}, nil
}

// Options returns the effective options.
func (n *Normalizer) Options() Options {
	return n.opts
}

// Shape is the tensor shape Normalize produces.
func (n *Normalizer) Shape() []int64 {
	return n.opts.Layout.Shape(n.opts.Size, n.opts.Channels)
}

// Normalize decodes src and produces a batch-1 tensor of Shape().
func (n *Normalizer) Normalize(src Source) (*tensor.Tensor, error) {
	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	glyph := n.Glyph(img)
	return n.toTensor(glyph), nil
}

// Glyph runs the image stages of the pipeline and returns the Size x Size
// grayscale glyph, bright strokes on black.
func (n *Normalizer) Glyph(img image.Image) *image.Gray {
	gray := flatten(img)

	if n.needsInversion(gray) {
		gray = toGray(imaging.Invert(gray))
	}
	if n.opts.MedianRadius > 0 {
		gray = toGray(effect.Median(gray, n.opts.MedianRadius))
	}
	if n.opts.ContrastPercent != 0 {
		gray = toGray(imaging.AdjustContrast(gray, n.opts.ContrastPercent))
	}

	box, ok := n.foregroundBounds(gray)
	if !ok {
		// blank canvas: nothing to crop, use the whole image
		box = gray.Bounds()
	} else {
		box = box.Inset(-max(0, n.opts.Margin)).Intersect(gray.Bounds())
	}
	return n.center(toGray(gray.SubImage(box)))
}

// flatten composites img onto the background and converts it to gray.
func flatten(img image.Image) *image.Gray {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	rgba := image.NewRGBA(rect)
	draw.Draw(rgba, rect, image.NewUniform(background), image.Point{}, draw.Src)
	draw.Draw(rgba, rect, img, b.Min, draw.Over)

	return toGray(rgba)
}

// needsInversion reports whether bright pixels are the majority: a mostly
// bright image is dark ink on a light background.
func (n *Normalizer) needsInversion(g *image.Gray) bool {
	bright := 0
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride : (y-b.Min.Y)*g.Stride+b.Dx()]
		for _, v := range row {
			if v > n.opts.BrightThreshold {
				bright++
			}
		}
	}
	return bright*2 > b.Dx()*b.Dy()
}

// foregroundBounds is the tightest rectangle holding every glyph pixel.
func (n *Normalizer) foregroundBounds(g *image.Gray) (image.Rectangle, bool) {
	b := g.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if g.GrayAt(x, y).Y <= n.opts.ForegroundThreshold {
				continue
			}
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}
	if maxX < minX {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// center rescales the crop so its longer side equals Size and pastes it in
// the middle of a black Size x Size canvas.
func (n *Normalizer) center(crop *image.Gray) *image.Gray {
	size := n.opts.Size
	w, h := crop.Bounds().Dx(), crop.Bounds().Dy()
	scale := float64(size) / float64(max(w, h))
	newW := max(1, min(size, int(float64(w)*scale)))
	newH := max(1, min(size, int(float64(h)*scale)))

	scaled := resize.Resize(uint(newW), uint(newH), crop, resize.Lanczos3)

	out := image.NewGray(image.Rect(0, 0, size, size))
	off := image.Pt((size-newW)/2, (size-newH)/2)
	draw.Draw(out, image.Rectangle{Min: off, Max: off.Add(image.Pt(newW, newH))}, scaled, scaled.Bounds().Min, draw.Src)
	return out
}

func (n *Normalizer) toTensor(g *image.Gray) *tensor.Tensor {
	size, channels := n.opts.Size, n.opts.Channels
	area := size * size
	data := make([]float32, area*channels)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := float32(g.Pix[y*g.Stride+x]) / 255.0
			p := y*size + x
			for c := 0; c < channels; c++ {
				if n.opts.Layout == tensor.NCHW {
					data[c*area+p] = v
				} else {
					data[p*channels+c] = v
				}
			}
		}
	}
	return &tensor.Tensor{
		Shape:  n.Shape(),
		Layout: n.opts.Layout,
		Data:   data,
	}
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
