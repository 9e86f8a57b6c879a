package capture

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/frame"
	"vigil/internal/recognition"
)

var (
	colorMatched   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	colorUnmatched = color.RGBA{R: 220, G: 0, B: 0, A: 255}
)

// drawResults paints the latest recognition result onto a preview frame.
// Boxes were computed on the (possibly downscaled) inference frame, so
// coordinates are mapped back with the inverse of the capture scale and
// then onto the preview scale.
func drawResults(f *frame.Frame, result *recognition.Result, inferenceScale, previewScale float64) {
	if result == nil {
		return
	}
	// inferenceScale maps capture -> inference; previewScale maps
	// capture -> preview. Combined factor maps inference -> preview.
	factor := previewScale
	if inferenceScale > 0 {
		factor = previewScale / inferenceScale
	}

	for _, face := range result.Faces {
		x1 := int(float64(face.BBox[0]) * factor)
		y1 := int(float64(face.BBox[1]) * factor)
		x2 := int(float64(face.BBox[2]) * factor)
		y2 := int(float64(face.BBox[3]) * factor)

		c := colorUnmatched
		label := fmt.Sprintf("unknown (%.2f)", face.Similarity)
		if face.Matched {
			c = colorMatched
			name := face.DisplayName
			if name == "" {
				name = face.TargetID
			}
			label = fmt.Sprintf("%s (%.2f)", name, face.Similarity)
		}

		drawRect(f, x1, y1, x2, y2, c)
		drawLabel(f, x1, y1-4, label, c)
	}
}

// drawRect draws a 2 px rectangle outline clipped to the frame.
func drawRect(f *frame.Frame, x1, y1, x2, y2 int, c color.RGBA) {
	for t := 0; t < 2; t++ {
		for x := x1; x <= x2; x++ {
			f.Set(x, y1+t, c)
			f.Set(x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			f.Set(x1+t, y, c)
			f.Set(x2-t, y, c)
		}
	}
}

// drawLabel renders text above a box using the fixed 7x13 font.
func drawLabel(f *frame.Frame, x, y int, text string, c color.RGBA) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	w := len(text) * face.Advance
	h := face.Height

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(text)

	top := y - h
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			if _, _, _, a := img.At(dx, dy).RGBA(); a > 0 {
				f.Set(x+dx, top+dy, c)
			}
		}
	}
}

// cropFace extracts a face region with a small margin, clipped to the
// frame. Returns nil for degenerate boxes.
func cropFace(f *frame.Frame, bbox [4]int) *frame.Frame {
	margin := 10
	x1 := bbox[0] - margin
	y1 := bbox[1] - margin
	x2 := bbox[2] + margin
	y2 := bbox[3] + margin

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > f.Width {
		x2 = f.Width
	}
	if y2 > f.Height {
		y2 = f.Height
	}
	if x2-x1 < 2 || y2-y1 < 2 {
		return nil
	}

	crop := frame.New(y2-y1, x2-x1)
	for y := y1; y < y2; y++ {
		srcOff := (y*f.Width + x1) * frame.Channels
		dstOff := (y - y1) * crop.Width * frame.Channels
		copy(crop.Pix[dstOff:dstOff+(x2-x1)*frame.Channels], f.Pix[srcOff:])
	}
	return crop
}
