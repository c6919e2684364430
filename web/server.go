package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"ImgDetClient/config"
	"ImgDetClient/engine"
	iface "ImgDetClient/interface"
	"ImgDetClient/logger"
	"ImgDetClient/overlay"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPage     = 1
	defaultPageSize = 12
)

// Backend is the detection service plus the image fetching the overlay needs.
type Backend interface {
	iface.Service
	FetchImage(ctx context.Context, ref string) ([]byte, string, error)
	PublicURL(ref string) string
}

type Server struct {
	cfg      *config.Config
	orch     *engine.Orchestrator
	backend  Backend
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
	batchCtx context.Context
	log      *zap.Logger
}

// NewServer wires the upload view routes. Background batches started over
// HTTP run under batchCtx.
func NewServer(batchCtx context.Context, cfg *config.Config, orch *engine.Orchestrator, backend Backend) *Server {
	log := logger.Named("web")
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		backend:  backend,
		hub:      NewHub(log),
		batchCtx: batchCtx,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.cors())
	r.MaxMultipartMemory = s.cfg.Server.MaxUploadMB << 20

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/state", s.handleState)
	r.POST("/api/selection", s.handleSelect)
	r.DELETE("/api/selection", s.handleClearSelection)
	r.GET("/api/previews/:id", s.handlePreview)
	r.POST("/api/upload", s.handleUpload)
	r.GET("/api/images", s.handleListImages)
	r.DELETE("/api/images/:id", s.handleDeleteImage)
	r.GET("/api/overlay/:saved", s.handleOverlay)
	r.GET("/api/overlay/:saved/frame", s.handleFrame)
	r.GET("/ws/state", s.handleStateSocket)
	return r
}

// Run serves HTTP on the configured port and pushes state to websocket
// clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	states, cancel := s.orch.Subscribe()
	defer cancel()
	go s.hub.Feed(ctx, states)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("web server listening", zap.Int("port", s.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("web server shutdown", zap.Error(err))
	}
	return nil
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleSelect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadMB<<20)
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
		return
	}
	headers := form.File["files[]"]
	if len(headers) == 0 {
		headers = form.File["files"]
	}
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files provided"})
		return
	}

	files := make([]iface.SelectedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read " + fh.Filename})
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read " + fh.Filename})
			return
		}
		mt := fh.Header.Get("Content-Type")
		if mt == "" || mt == "application/octet-stream" {
			mt = mimetype.Detect(data).String()
		}
		files = append(files, iface.SelectedFile{Name: fh.Filename, Size: fh.Size, MimeType: mt, Bytes: data})
	}

	staged, rejected, err := s.orch.SelectFiles(files)
	if errors.Is(err, iface.ErrBatchInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, iface.ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rej := make([]gin.H, 0, len(rejected))
	for _, r := range rejected {
		rej = append(rej, gin.H{"name": r.Name, "mime_type": r.MimeType, "error": r.Error()})
	}
	c.JSON(http.StatusOK, gin.H{"staged": staged, "rejected": rej})
}

func (s *Server) handleClearSelection(c *gin.Context) {
	if err := s.orch.ClearSelection(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePreview(c *gin.Context) {
	h, data, ok := s.orch.Preview(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Preview not found"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, h.MimeType, data)
}

func (s *Server) handleUpload(c *gin.Context) {
	batchID, done, err := s.orch.StartUpload(s.batchCtx)
	switch {
	case errors.Is(err, iface.ErrBatchInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, iface.ErrNothingStaged):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, iface.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	go func() {
		if err := <-done; err != nil {
			s.log.Warn("batch ended with error", zap.String("batch_id", batchID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (s *Server) handleListImages(c *gin.Context) {
	page, ok := queryInt(c, "page", defaultPage)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
		return
	}
	pageSize, ok := queryInt(c, "page_size", defaultPageSize)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page_size"})
		return
	}
	out, err := s.backend.ListImages(c.Request.Context(), page, pageSize)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	for i := range out.Items {
		out.Items[i].URL = s.backend.PublicURL(out.Items[i].URL)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	out, err := s.backend.DeleteImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// outcome looks up a finished detection; it writes the error response itself.
func (s *Server) outcome(c *gin.Context) (string, iface.Outcome, bool) {
	saved := c.Param("saved")
	out, ok := s.orch.Snapshot().Results[saved]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No detection result for " + saved})
		return "", iface.Outcome{}, false
	}
	if !out.OK {
		c.JSON(http.StatusNotFound, gin.H{"error": "Failed to process image"})
		return "", iface.Outcome{}, false
	}
	return saved, out, true
}

// overlaySource picks the image boxes are drawn on: the original upload when
// the service returned boxes, otherwise the already rendered image.
func overlaySource(saved string, out iface.Outcome) (string, error) {
	if len(out.Boxes) > 0 {
		return "/api/uploads/" + saved, nil
	}
	if out.ProcessedImageURL == "" {
		return "", errors.New("no processed image")
	}
	return out.ProcessedImageURL, nil
}

func (s *Server) displayWidth(c *gin.Context) (int, bool) {
	return queryInt(c, "width", s.cfg.Overlay.DisplayWidth)
}

func (s *Server) handleOverlay(c *gin.Context) {
	saved, out, ok := s.outcome(c)
	if !ok {
		return
	}
	width, ok := s.displayWidth(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid width"})
		return
	}
	ref, err := overlaySource(saved, out)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	data, _, err := s.backend.FetchImage(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	src, _, err := overlay.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := overlay.EncodePNG(c.Writer, overlay.Compose(src, out.Boxes, width)); err != nil {
		s.log.Warn("write overlay", zap.String("saved_filename", saved), zap.Error(err))
	}
}

// handleFrame returns the boxes mapped to the requested displayed width,
// for clients that draw the overlay themselves.
func (s *Server) handleFrame(c *gin.Context) {
	saved, out, ok := s.outcome(c)
	if !ok {
		return
	}
	width, ok := s.displayWidth(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid width"})
		return
	}
	if out.Boxes == nil {
		c.JSON(http.StatusOK, overlay.Frame{URL: out.ProcessedImageURL, State: overlay.Processed})
		return
	}
	r := overlay.NewRenderer()
	r.SetImage(out.ProcessedImageURL, out.Boxes)

	ref, err := overlaySource(saved, out)
	if err == nil {
		var data []byte
		data, _, err = s.backend.FetchImage(c.Request.Context(), ref)
		if err == nil {
			err = loadInto(r, data, width)
		}
	}
	if err != nil {
		s.log.Debug("frame source unavailable", zap.String("saved_filename", saved), zap.Error(err))
		r.ImageError()
	}
	c.JSON(http.StatusOK, r.Render())
}

func loadInto(r *overlay.Renderer, data []byte, width int) error {
	src, _, err := overlay.Decode(data)
	if err != nil {
		return err
	}
	b := src.Bounds()
	natural := overlay.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
	displayed := natural
	if width > 0 && b.Dx() > 0 {
		displayed = overlay.Size{
			Width:  float64(width),
			Height: float64(b.Dy()) * float64(width) / float64(b.Dx()),
		}
	}
	r.OnImageLoad(natural, displayed)
	return nil
}

func (s *Server) handleStateSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	// 先注册再取快照，之后的变化都会经由 hub 推送
	s.hub.Register(conn)
	msg, err := json.Marshal(s.orch.Snapshot())
	if err != nil {
		s.log.Error("marshal state", zap.Error(err))
		s.hub.Unregister(conn)
		return
	}
	s.hub.Send(conn, msg)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.Unregister(conn)
			return
		}
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origins := s.cfg.Server.AllowOrigins
	return len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "content-type, authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
