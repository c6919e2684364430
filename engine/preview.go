package engine

import (
	"sync"

	iface "ImgDetClient/interface"
	"ImgDetClient/monitor"

	"github.com/google/uuid"
)

const previewPrefix = "/api/previews/"

// PreviewHandle is an owned, revocable reference to a staged file's bytes.
type PreviewHandle struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

type previewEntry struct {
	handle PreviewHandle
	data   []byte
}

type previewEvent struct {
	release bool
	id      string
}

// PreviewTable tracks every live preview handle. Each handle is released
// exactly once; a second release reports ErrPreviewReleased.
type PreviewTable struct {
	mu    sync.Mutex
	byID  map[string]*previewEntry
	byKey map[string]*previewEntry

	// test hook, called under mu
	observe func(previewEvent)
}

func NewPreviewTable() *PreviewTable {
	return &PreviewTable{
		byID:  make(map[string]*previewEntry),
		byKey: make(map[string]*previewEntry),
	}
}

// Acquire returns the live handle for f's key, creating one if needed.
func (t *PreviewTable) Acquire(f iface.SelectedFile) PreviewHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquireLocked(f)
}

func (t *PreviewTable) acquireLocked(f iface.SelectedFile) PreviewHandle {
	key := f.Key()
	if e, ok := t.byKey[key]; ok {
		return e.handle
	}
	id := uuid.New().String()
	e := &previewEntry{
		handle: PreviewHandle{
			ID:       id,
			Key:      key,
			Name:     f.Name,
			MimeType: f.MimeType,
			URL:      previewPrefix + id,
		},
		data: f.Bytes,
	}
	t.byID[id] = e
	t.byKey[key] = e
	monitor.PreviewHandlesLive.Inc()
	if t.observe != nil {
		t.observe(previewEvent{id: id})
	}
	return e.handle
}

// ReplaceAll releases every live handle, then issues one per file. Files with
// the same key share a handle.
func (t *PreviewTable) ReplaceAll(files []iface.SelectedFile) []PreviewHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseAllLocked()
	out := make([]PreviewHandle, 0, len(files))
	for _, f := range files {
		out = append(out, t.acquireLocked(f))
	}
	return out
}

func (t *PreviewTable) Release(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return iface.ErrPreviewReleased
	}
	t.dropLocked(e)
	return nil
}

// ReleaseAll releases every live handle and returns how many there were.
func (t *PreviewTable) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseAllLocked()
}

func (t *PreviewTable) releaseAllLocked() int {
	n := len(t.byID)
	for _, e := range t.byID {
		t.dropLocked(e)
	}
	return n
}

func (t *PreviewTable) dropLocked(e *previewEntry) {
	delete(t.byID, e.handle.ID)
	delete(t.byKey, e.handle.Key)
	monitor.PreviewHandlesLive.Dec()
	if t.observe != nil {
		t.observe(previewEvent{release: true, id: e.handle.ID})
	}
}

// Lookup returns the handle and the bytes behind a live id.
func (t *PreviewTable) Lookup(id string) (PreviewHandle, []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return PreviewHandle{}, nil, false
	}
	return e.handle, e.data, true
}

func (t *PreviewTable) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
