package overlay

import (
	"sync"

	iface "ImgDetClient/interface"
)

type FrameState int

const (
	NotReady  FrameState = 0x0001
	NoObjects FrameState = 0x0002
	Boxes     FrameState = 0x0003
	// Processed: the service returned a rendered image and no box list
	Processed FrameState = 0x0004
)

const (
	MsgLoading   = "Loading image..."
	MsgNoObjects = "No objects detected"
)

func (s FrameState) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case NoObjects:
		return "no_objects"
	case Boxes:
		return "boxes"
	case Processed:
		return "processed"
	}
	return "unknown"
}

func (s FrameState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Frame is what a view draws for the current image.
type Frame struct {
	URL      string          `json:"url"`
	State    FrameState      `json:"state"`
	Message  string          `json:"message,omitempty"`
	Geometry DisplayGeometry `json:"geometry"`
	Boxes    []ScreenBox     `json:"boxes,omitempty"`
}

// Renderer tracks one displayed image and its boxes. Geometry is reset
// whenever the image URL changes. A nil box list means the image already
// carries its annotations.
type Renderer struct {
	mu     sync.Mutex
	url    string
	boxes  []iface.BoundingBox
	geom   DisplayGeometry
	loaded bool
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) SetImage(url string, boxes []iface.BoundingBox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url != r.url {
		r.url = url
		r.geom = DisplayGeometry{}
		r.loaded = false
	}
	r.boxes = nil
	if boxes != nil {
		r.boxes = make([]iface.BoundingBox, len(boxes))
		copy(r.boxes, boxes)
	}
}

// OnImageLoad records both sizes once the image is available.
func (r *Renderer) OnImageLoad(natural, displayed Size) DisplayGeometry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.geom = NewGeometry(natural, displayed)
	r.loaded = true
	return r.geom
}

// Resize updates the displayed size of the loaded image.
func (r *Renderer) Resize(displayed Size) DisplayGeometry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return r.geom
	}
	r.geom.DisplayedWidth = displayed.Width
	r.geom.DisplayedHeight = displayed.Height
	return r.geom
}

func (r *Renderer) ImageError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.geom = DisplayGeometry{}
}

func (r *Renderer) Render() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := Frame{URL: r.url, Geometry: r.geom}
	switch {
	case !r.loaded || !r.geom.Ready():
		f.State = NotReady
		f.Message = MsgLoading
	case r.boxes == nil:
		f.State = Processed
	case len(r.boxes) == 0:
		f.State = NoObjects
		f.Message = MsgNoObjects
	default:
		f.State = Boxes
		f.Boxes = MapBoxes(r.boxes, r.geom)
	}
	return f
}
