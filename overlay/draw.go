package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	"image/png"
	"io"
	"math"

	iface "ImgDetClient/interface"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// 循环使用的框颜色
var palette = []color.RGBA{
	{R: 0xFF, A: 0xFF},
	{G: 0xFF, A: 0xFF},
	{B: 0xFF, A: 0xFF},
	{R: 0xFF, G: 0xFF, A: 0xFF},
	{R: 0xFF, B: 0xFF, A: 0xFF},
	{G: 0xFF, B: 0xFF, A: 0xFF},
	{R: 0xFF, G: 0xA5, A: 0xFF},
}

const (
	strokeWidth = 2
	labelPad    = 2
)

// Decode reads any registered image format (png, jpeg, gif, webp).
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Compose scales src to displayedWidth (keeping the aspect ratio) and draws
// every box through the same geometry MapBox uses. A non-positive width keeps
// the natural size.
func Compose(src image.Image, boxes []iface.BoundingBox, displayedWidth int) *image.RGBA {
	sb := src.Bounds()
	nw, nh := sb.Dx(), sb.Dy()
	if displayedWidth <= 0 || nw == 0 {
		displayedWidth = nw
	}
	dh := nh
	if nw > 0 {
		dh = int(math.Round(float64(nh) * float64(displayedWidth) / float64(nw)))
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, displayedWidth, dh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)

	g := NewGeometry(
		Size{Width: float64(nw), Height: float64(nh)},
		Size{Width: float64(displayedWidth), Height: float64(dh)},
	)
	for i, b := range MapBoxes(boxes, g) {
		col := palette[i%len(palette)]
		r := image.Rect(
			int(math.Round(b.X)), int(math.Round(b.Y)),
			int(math.Round(b.X+b.W)), int(math.Round(b.Y+b.H)),
		)
		strokeRect(dst, r, col)
		drawLabel(dst, r, b.Label, col)
	}
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, col color.RGBA) {
	u := image.NewUniform(col)
	sides := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, s := range sides {
		xdraw.Draw(dst, s, u, image.Point{}, xdraw.Src)
	}
}

// drawLabel puts the label above the box, or below it when there is no room.
func drawLabel(dst *image.RGBA, box image.Rectangle, label string, col color.RGBA) {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, label).Ceil()
	th := face.Metrics().Height.Ceil()

	y := box.Min.Y - th - 2*labelPad
	if box.Min.Y <= th+2*labelPad {
		y = box.Max.Y + 2*labelPad
	}
	bg := image.Rect(box.Min.X, y, box.Min.X+tw+2*labelPad, y+th+2*labelPad)
	xdraw.Draw(dst, bg, image.NewUniform(col), image.Point{}, xdraw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(box.Min.X+labelPad, y+labelPad+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(label)
}

func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
