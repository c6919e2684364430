package overlay

import (
	"fmt"
	"math"

	iface "ImgDetClient/interface"
)

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DisplayGeometry holds the natural and displayed size of one image. Scale
// factors are always derived from it.
type DisplayGeometry struct {
	NaturalWidth    float64 `json:"natural_width"`
	NaturalHeight   float64 `json:"natural_height"`
	DisplayedWidth  float64 `json:"displayed_width"`
	DisplayedHeight float64 `json:"displayed_height"`
}

func NewGeometry(natural, displayed Size) DisplayGeometry {
	return DisplayGeometry{
		NaturalWidth:    natural.Width,
		NaturalHeight:   natural.Height,
		DisplayedWidth:  displayed.Width,
		DisplayedHeight: displayed.Height,
	}
}

func (g DisplayGeometry) ScaleX() float64 {
	if g.NaturalWidth <= 0 {
		return 0
	}
	return g.DisplayedWidth / g.NaturalWidth
}

func (g DisplayGeometry) ScaleY() float64 {
	if g.NaturalHeight <= 0 {
		return 0
	}
	return g.DisplayedHeight / g.NaturalHeight
}

// Ready is false until the displayed width has been measured.
func (g DisplayGeometry) Ready() bool {
	return g.DisplayedWidth > 0 && g.NaturalWidth > 0 && g.NaturalHeight > 0
}

// ScreenBox is a BoundingBox in displayed pixel space.
type ScreenBox struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Label string  `json:"label"`
}

// MapBox scales box into displayed space. ok is false when the geometry is
// not ready, in which case nothing may be drawn.
func MapBox(box iface.BoundingBox, g DisplayGeometry) (ScreenBox, bool) {
	if !g.Ready() {
		return ScreenBox{}, false
	}
	sx, sy := g.ScaleX(), g.ScaleY()
	return ScreenBox{
		X:     box.X * sx,
		Y:     box.Y * sy,
		W:     box.W * sx,
		H:     box.H * sy,
		Label: FormatLabel(box.Label, box.Score),
	}, true
}

// MapBoxes maps every box, or returns nil when the geometry is not ready.
func MapBoxes(boxes []iface.BoundingBox, g DisplayGeometry) []ScreenBox {
	if !g.Ready() {
		return nil
	}
	out := make([]ScreenBox, 0, len(boxes))
	for _, b := range boxes {
		sb, _ := MapBox(b, g)
		out = append(out, sb)
	}
	return out
}

// FormatLabel renders "label (NN%)".
func FormatLabel(label string, score float64) string {
	return fmt.Sprintf("%s (%d%%)", label, int(math.Round(score*100)))
}
