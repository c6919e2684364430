package iface

import (
	"fmt"
	"time"
)

// SelectedFile 客户端选中的文件，只存在于本进程内
type SelectedFile struct {
	Name     string
	Size     int64
	MimeType string
	Bytes    []byte
}

// Key 用 name+size 区分同名文件
func (f SelectedFile) Key() string {
	return fmt.Sprintf("%s-%d", f.Name, f.Size)
}

type UploadedImage struct {
	SavedFilename    string `json:"saved_filename"`
	OriginalFilename string `json:"original_filename"`
	Size             int64  `json:"size,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
}

type UploadResponse struct {
	Message    string          `json:"message"`
	FilesCount int             `json:"files_count"`
	Files      []UploadedImage `json:"files"`
}

// BoundingBox is expressed in the native pixel space of the source image.
type BoundingBox struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}

type DetectionResponse struct {
	ProcessedImageURL string        `json:"processed_image_url"`
	Boxes             []BoundingBox `json:"boxes,omitempty"`
}

// Outcome is one entry of the aggregate detection map. OK == false is the
// absent-marker: the detection was attempted and failed. Boxes == nil means
// the service sent only a rendered image; an empty slice means it found
// nothing.
type Outcome struct {
	ProcessedImageURL string        `json:"processed_image_url,omitempty"`
	Boxes             []BoundingBox `json:"boxes"`
	OK                bool          `json:"ok"`
}

// DetectionResults is keyed by UploadedImage.SavedFilename.
type DetectionResults map[string]Outcome

func (r DetectionResults) Clone() DetectionResults {
	if r == nil {
		return nil
	}
	out := make(DetectionResults, len(r))
	for k, v := range r {
		if v.Boxes != nil {
			boxes := make([]BoundingBox, len(v.Boxes))
			copy(boxes, v.Boxes)
			v.Boxes = boxes
		}
		out[k] = v
	}
	return out
}

type ImageRecord struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	UploadDate string `json:"uploadDate"`
	URL        string `json:"url"`
}

type ImagePage struct {
	Items    []ImageRecord `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type DeleteResponse struct {
	Message          string `json:"message"`
	ProcessedDeleted bool   `json:"processed_deleted"`
	OriginalDeleted  bool   `json:"original_deleted"`
}

const (
	NoticeSuccess = "success"
	NoticeError   = "error"
	NoticeInfo    = "info"
)

// Notice 相当于前端的 toast
type Notice struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
