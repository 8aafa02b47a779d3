// Package surface implements the pixel buffers raster layers are composited
// onto, together with the pixel-space translation applied while panning.
package surface

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

type Surface struct {
	img    *image.RGBA
	dx, dy float64
	clears int
}

func New(width, height int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))}
}

func (s *Surface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Resize reallocates the buffer; pixels are discarded.
func (s *Surface) Resize(width, height int) {
	s.img = image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))
}

func (s *Surface) Clear() {
	clear(s.img.Pix)
	s.clears++
}

// ClearCount reports how many times Clear ran over the surface's lifetime.
func (s *Surface) ClearCount() int { return s.clears }

// Empty reports whether every pixel is fully transparent.
func (s *Surface) Empty() bool {
	for i := 3; i < len(s.img.Pix); i += 4 {
		if s.img.Pix[i] != 0 {
			return false
		}
	}
	return true
}

// CopyFrom replaces s's pixels with src's. Sizes are expected to match; a
// mismatched source is scaled.
func (s *Surface) CopyFrom(src *Surface) {
	if src.img.Bounds() == s.img.Bounds() {
		copy(s.img.Pix, src.img.Pix)
		return
	}
	clear(s.img.Pix)
	xdraw.ApproxBiLinear.Scale(s.img, s.img.Bounds(), src.img, src.img.Bounds(), xdraw.Src, nil)
}

// Draw composites img over the surface, stretched to the full surface, at
// the given opacity.
func (s *Surface) Draw(img image.Image, opacity float64) {
	if img == nil || opacity <= 0 {
		return
	}
	if opacity > 1 {
		opacity = 1
	}
	var mask image.Image
	if opacity < 1 {
		mask = image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	}
	dst := s.img.Bounds()
	src := img.Bounds()
	if src.Dx() == dst.Dx() && src.Dy() == dst.Dy() {
		xdraw.DrawMask(s.img, dst, img, src.Min, mask, image.Point{}, xdraw.Over)
		return
	}
	xdraw.ApproxBiLinear.Scale(s.img, dst, img, src, xdraw.Over, &xdraw.Options{SrcMask: mask})
}

func (s *Surface) Translate(dx, dy float64) {
	s.dx, s.dy = dx, dy
}

func (s *Surface) Offset() (float64, float64) { return s.dx, s.dy }

func (s *Surface) Image() *image.RGBA { return s.img }

// Compose renders the surfaces back to front into a new image of the first
// surface's size, each shifted by its translation.
func Compose(layers ...*Surface) *image.RGBA {
	if len(layers) == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	out := image.NewRGBA(layers[0].img.Bounds())
	for _, l := range layers {
		if l == nil {
			continue
		}
		off := image.Pt(int(l.dx), int(l.dy))
		r := l.img.Bounds().Add(off)
		xdraw.Draw(out, r, l.img, l.img.Bounds().Min, xdraw.Over)
	}
	return out
}
