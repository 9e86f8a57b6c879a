package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Channels is the number of bytes per pixel. Frames are interleaved BGR.
const Channels = 3

// Frame is a decoded video frame in HWC layout, BGR byte order.
type Frame struct {
	Height int
	Width  int
	Pix    []byte // len == Height*Width*Channels
}

// New allocates a zeroed frame of the given dimensions.
func New(height, width int) *Frame {
	return &Frame{
		Height: height,
		Width:  width,
		Pix:    make([]byte, height*width*Channels),
	}
}

// FromImage converts a decoded image into a BGR frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dy(), b.Dx())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Pix[i] = byte(bl >> 8)
			f.Pix[i+1] = byte(g >> 8)
			f.Pix[i+2] = byte(r >> 8)
			i += Channels
		}
	}
	return f
}

// At returns the pixel at (x, y) as an RGBA color.
func (f *Frame) At(x, y int) color.RGBA {
	i := (y*f.Width + x) * Channels
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 0xff}
}

// Set writes the pixel at (x, y). Out-of-bounds coordinates are ignored.
func (f *Frame) Set(x, y int, c color.RGBA) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := (y*f.Width + x) * Channels
	f.Pix[i] = c.B
	f.Pix[i+1] = c.G
	f.Pix[i+2] = c.R
}

// Clone returns an independent deep copy.
func (f *Frame) Clone() *Frame {
	c := New(f.Height, f.Width)
	copy(c.Pix, f.Pix)
	return c
}

// ToImage converts the frame to an RGBA image for encoding or drawing.
func (f *Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := 0
	for y := 0; y < f.Height; y++ {
		dst := img.PixOffset(0, y)
		for x := 0; x < f.Width; x++ {
			img.Pix[dst] = f.Pix[src+2]
			img.Pix[dst+1] = f.Pix[src+1]
			img.Pix[dst+2] = f.Pix[src]
			img.Pix[dst+3] = 0xff
			src += Channels
			dst += 4
		}
	}
	return img
}

// Resize scales the frame to the given dimensions using approximate
// bilinear interpolation.
func (f *Frame) Resize(height, width int) *Frame {
	if height == f.Height && width == f.Width {
		return f.Clone()
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), f.ToImage(), f.ToImage().Bounds(), draw.Over, nil)
	out := New(height, width)
	src := 0
	for y := 0; y < height; y++ {
		o := dst.PixOffset(0, y)
		for x := 0; x < width; x++ {
			out.Pix[src] = dst.Pix[o+2]
			out.Pix[src+1] = dst.Pix[o+1]
			out.Pix[src+2] = dst.Pix[o]
			src += Channels
			o += 4
		}
	}
	return out
}

// FitWithin downscales the frame so both dimensions fit within maxH x maxW,
// preserving aspect ratio. Returns the (possibly same) frame and the scale
// factor applied (1.0 when unchanged).
func (f *Frame) FitWithin(maxH, maxW int) (*Frame, float64) {
	if f.Height <= maxH && f.Width <= maxW {
		return f, 1.0
	}
	scale := float64(maxH) / float64(f.Height)
	if s := float64(maxW) / float64(f.Width); s < scale {
		scale = s
	}
	h := int(float64(f.Height) * scale)
	w := int(float64(f.Width) * scale)
	if h < 1 {
		h = 1
	}
	if w < 1 {
		w = 1
	}
	return f.Resize(h, w), scale
}

// EncodeJPEG encodes the frame as JPEG at the given quality (1-100).
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToImage(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes JPEG bytes into a frame.
func DecodeJPEG(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	return FromImage(img), nil
}
