package engine

import (
	"fmt"
	"strings"
	"time"

	iface "ImgDetClient/interface"
)

// Phase 一个批次所处的阶段
type Phase int

const (
	Idle         Phase = 0x0001
	Validating   Phase = 0x0002
	Uploading    Phase = 0x0003
	UploadFailed Phase = 0x0004
	Uploaded     Phase = 0x0005
	DetectingAll Phase = 0x0006
	AllDetected  Phase = 0x0007
)

var phaseNames = map[Phase]string{
	Idle:         "idle",
	Validating:   "validating",
	Uploading:    "uploading",
	UploadFailed: "upload_failed",
	Uploaded:     "uploaded",
	DetectingAll: "detecting_all",
	AllDetected:  "all_detected",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(0x%04x)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// InFlight reports whether the phase belongs to a running batch.
func (p Phase) InFlight() bool {
	return p == Uploading || p == Uploaded || p == DetectingAll
}

// StagedFile is the observable view of a staged SelectedFile. The bytes stay
// inside the orchestrator.
type StagedFile struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type"`
	Key        string `json:"key"`
	PreviewID  string `json:"preview_id"`
	PreviewURL string `json:"preview_url"`
}

// State 供观察者使用的状态快照
type State struct {
	BatchID           string                 `json:"batch_id"`
	Phase             Phase                  `json:"phase"`
	Progress          int                    `json:"progress"`
	Staged            []StagedFile           `json:"staged"`
	Rejected          []string               `json:"rejected"`
	Uploaded          []iface.UploadedImage  `json:"uploaded"`
	Results           iface.DetectionResults `json:"results"`
	LoadingDetections bool                   `json:"loading_detections"`
	Notices           []iface.Notice         `json:"notices"`
	LastError         string                 `json:"last_error,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	out.Staged = append([]StagedFile(nil), s.Staged...)
	out.Rejected = append([]string(nil), s.Rejected...)
	out.Uploaded = append([]iface.UploadedImage(nil), s.Uploaded...)
	out.Results = s.Results.Clone()
	out.Notices = append([]iface.Notice(nil), s.Notices...)
	return out
}

// IsImageType 只接受 image/ 开头的 MIME 类型
func IsImageType(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}
