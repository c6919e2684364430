package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"ImgDetClient/config"
	"ImgDetClient/engine"
	iface "ImgDetClient/interface"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 30, B: 30, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeBackend struct {
	gate       chan struct{}
	image      []byte
	failDetect map[string]bool
	fetched    []string
	// renderedOnly answers without a boxes field; noObjects answers with []
	renderedOnly map[string]bool
	noObjects    map[string]bool
}

func (f *fakeBackend) UploadImages(ctx context.Context, files []iface.SelectedFile, onProgress func(int)) (*iface.UploadResponse, error) {
	if f.gate != nil {
		<-f.gate
	}
	onProgress(100)
	resp := &iface.UploadResponse{Message: "ok"}
	for _, file := range files {
		resp.Files = append(resp.Files, iface.UploadedImage{SavedFilename: "s-" + file.Name, OriginalFilename: file.Name})
	}
	resp.FilesCount = len(resp.Files)
	return resp, nil
}

func (f *fakeBackend) GetDetections(ctx context.Context, saved string) (*iface.DetectionResponse, error) {
	if f.failDetect[saved] {
		return nil, &iface.DetectionError{SavedFilename: saved, Err: errors.New("boom")}
	}
	resp := &iface.DetectionResponse{ProcessedImageURL: "/api/processed_uploads/processed_" + saved}
	switch {
	case f.renderedOnly[saved]:
	case f.noObjects[saved]:
		resp.Boxes = []iface.BoundingBox{}
	default:
		resp.Boxes = []iface.BoundingBox{{Label: "cat", Score: 0.9, X: 20, Y: 20, W: 40, H: 20}}
	}
	return resp, nil
}

func (f *fakeBackend) ListImages(ctx context.Context, page, pageSize int) (*iface.ImagePage, error) {
	if page == 7 {
		return nil, errors.New("list images: disk gone")
	}
	return &iface.ImagePage{
		Items:    []iface.ImageRecord{{ID: "processed_a", Filename: "processed_a.jpg", URL: "/api/processed_uploads/processed_a.jpg"}},
		Total:    1,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (f *fakeBackend) DeleteImage(ctx context.Context, id string) (*iface.DeleteResponse, error) {
	return &iface.DeleteResponse{Message: "Image '" + id + "' deleted successfully", ProcessedDeleted: true}, nil
}

func (f *fakeBackend) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	f.fetched = append(f.fetched, ref)
	return f.image, "image/png", nil
}

func (f *fakeBackend) PublicURL(ref string) string {
	return "http://api.test" + ref
}

func newTestServer(t *testing.T, backend *fakeBackend) (*Server, *engine.Orchestrator) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.MaxUploadMB = 10
	cfg.Overlay.DisplayWidth = 800
	orch := engine.New(backend)
	t.Cleanup(orch.Close)
	return NewServer(context.Background(), cfg, orch, backend), orch
}

type part struct {
	name, contentType string
	data              []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[]"; filename="%s"`, p.name))
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func do(s *Server, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func stage(t *testing.T, s *Server, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, parts...)
	return do(s, http.MethodPost, "/api/selection", body, ct)
}

func TestServer_Selection(t *testing.T) {
	img := pngBytes(t, 10, 10)
	s, orch := newTestServer(t, &fakeBackend{})

	rec := do(s, http.MethodGet, "/api/ping", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	rec = stage(t, s,
		part{"a.png", "image/png", img},
		part{"b.bin", "application/octet-stream", img},
		part{"notes.txt", "text/plain", []byte("hello")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Staged   []engine.StagedFile `json:"staged"`
		Rejected []map[string]string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Staged, 2)
	assert.Equal(t, "image/png", out.Staged[1].MimeType)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "notes.txt is not an image file", out.Rejected[0]["error"])

	rec = do(s, http.MethodGet, out.Staged[0].PreviewURL, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, img, rec.Body.Bytes())

	rec = do(s, http.MethodDelete, "/api/selection", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, orch.LivePreviews())
	rec = do(s, http.MethodGet, out.Staged[0].PreviewURL, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodPost, "/api/upload", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct := multipartBody(t)
	rec = do(s, http.MethodPost, "/api/selection", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UploadBatch(t *testing.T) {
	backend := &fakeBackend{
		gate:       make(chan struct{}),
		image:      pngBytes(t, 200, 100),
		failDetect: map[string]bool{"s-bad.png": true},
	}
	s, orch := newTestServer(t, backend)
	img := pngBytes(t, 8, 8)

	rec := stage(t, s, part{"good.png", "image/png", img}, part{"bad.png", "image/png", append(img, 0)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/api/upload", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "batch_id")

	require.Eventually(t, func() bool {
		return orch.Snapshot().Phase == engine.Uploading
	}, time.Second, 5*time.Millisecond)

	rec = do(s, http.MethodPost, "/api/upload", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = stage(t, s, part{"c.png", "image/png", img})
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(backend.gate)
	require.Eventually(t, func() bool {
		return orch.Snapshot().Phase == engine.AllDetected
	}, 2*time.Second, 5*time.Millisecond)

	rec = do(s, http.MethodGet, "/api/state", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, engine.AllDetected, st.Phase)
	require.Len(t, st.Results, 2)
	assert.True(t, st.Results["s-good.png"].OK)
	assert.False(t, st.Results["s-bad.png"].OK)

	t.Run("overlay png has the requested width", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/overlay/s-good.png?width=50", nil, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		out, err := png.Decode(rec.Body)
		require.NoError(t, err)
		assert.Equal(t, 50, out.Bounds().Dx())
		assert.Equal(t, 25, out.Bounds().Dy())
		assert.Contains(t, backend.fetched, "/api/uploads/s-good.png")
	})

	t.Run("frame maps boxes", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/overlay/s-good.png/frame?width=100", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var f struct {
			State string `json:"state"`
			Boxes []struct {
				X, Y, W, H float64
				Label      string
			} `json:"boxes"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
		assert.Equal(t, "boxes", f.State)
		require.Len(t, f.Boxes, 1)
		assert.Equal(t, 10.0, f.Boxes[0].X)
		assert.Equal(t, 20.0, f.Boxes[0].W)
		assert.Equal(t, "cat (90%)", f.Boxes[0].Label)
	})

	t.Run("failed detection has no overlay", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/overlay/s-bad.png", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(s, http.MethodGet, "/api/overlay/unknown.png", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(s, http.MethodGet, "/api/overlay/s-good.png?width=abc", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_FrameStates(t *testing.T) {
	backend := &fakeBackend{
		image:        pngBytes(t, 200, 100),
		renderedOnly: map[string]bool{"s-plain.png": true},
		noObjects:    map[string]bool{"s-empty.png": true},
	}
	s, orch := newTestServer(t, backend)
	img := pngBytes(t, 8, 8)

	rec := stage(t, s, part{"plain.png", "image/png", img}, part{"empty.png", "image/png", append(img, 0)})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, http.MethodPost, "/api/upload", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return orch.Snapshot().Phase == engine.AllDetected
	}, 2*time.Second, 5*time.Millisecond)

	type frame struct {
		URL     string `json:"url"`
		State   string `json:"state"`
		Message string `json:"message"`
		Boxes   []any  `json:"boxes"`
	}

	t.Run("rendered image without boxes", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/overlay/s-plain.png/frame?width=100", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var f frame
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
		assert.Equal(t, "processed", f.State)
		assert.Empty(t, f.Message)
		assert.Empty(t, f.Boxes)
		assert.Equal(t, "/api/processed_uploads/processed_s-plain.png", f.URL)

		rec = do(s, http.MethodGet, "/api/overlay/s-plain.png?width=100", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, backend.fetched, "/api/processed_uploads/processed_s-plain.png")
	})

	t.Run("explicitly empty box list", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/overlay/s-empty.png/frame?width=100", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var f frame
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
		assert.Equal(t, "no_objects", f.State)
		assert.Equal(t, "No objects detected", f.Message)
	})
}

func TestServer_Closed(t *testing.T) {
	s, orch := newTestServer(t, &fakeBackend{})
	orch.Close()

	rec := stage(t, s, part{"a.png", "image/png", pngBytes(t, 4, 4)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, orch.LivePreviews())
	rec = do(s, http.MethodPost, "/api/upload", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Images(t *testing.T) {
	s, _ := newTestServer(t, &fakeBackend{})

	rec := do(s, http.MethodGet, "/api/images?page=2&page_size=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page iface.ImagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 5, page.PageSize)
	assert.Equal(t, "http://api.test/api/processed_uploads/processed_a.jpg", page.Items[0].URL)

	rec = do(s, http.MethodGet, "/api/images?page=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodGet, "/api/images?page=7", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(s, http.MethodDelete, "/api/images/processed_a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deleted successfully")
}

func TestServer_StateSocket(t *testing.T) {
	s, orch := newTestServer(t, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	states, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go s.hub.Feed(ctx, states)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first engine.State
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, engine.Idle, first.Phase)
	// the first snapshot goes out through the hub, so the client is
	// already registered and no later change can be missed
	assert.Equal(t, 1, s.hub.ClientCount())
	_, _, err = orch.SelectFiles([]iface.SelectedFile{{Name: "x.png", Size: 3, MimeType: "image/png", Bytes: []byte{1, 2, 3}}})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var st engine.State
		require.NoError(t, conn.ReadJSON(&st))
		if len(st.Staged) == 1 {
			assert.Equal(t, "x.png", st.Staged[0].Name)
			break
		}
	}
}

func TestServer_CORS(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.MaxUploadMB = 1
	cfg.Server.AllowOrigins = []string{"http://localhost:5173"}
	orch := engine.New(&fakeBackend{})
	defer orch.Close()
	s := NewServer(context.Background(), cfg, orch, &fakeBackend{})

	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
