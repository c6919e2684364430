package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	iface "ImgDetClient/interface"
	"ImgDetClient/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	uploadField           = "files[]"
	FallbackUploadMessage = iface.FallbackUploadMessage
)

// Client talks to the detection service over HTTP.
type Client struct {
	baseURL       string
	publicBaseURL string
	http          *resty.Client
}

var _ iface.Service = (*Client)(nil)

func New(baseURL, publicBaseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if publicBaseURL == "" {
		publicBaseURL = baseURL
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{
		baseURL:       baseURL,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		http:          hc,
	}
}

// apiError is the FastAPI-style error body: {"detail": "..."}. detail may
// also be a list of validation errors, in which case it is not shown.
type apiError struct {
	Detail any `json:"detail"`
}

func (e *apiError) message(fallback string) string {
	if e == nil {
		return fallback
	}
	if s, ok := e.Detail.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

// UploadImages sends every file in one multipart request. onProgress receives
// the share of the request body handed to the transport, 0..100.
func (c *Client) UploadImages(ctx context.Context, files []iface.SelectedFile, onProgress func(pct int)) (*iface.UploadResponse, error) {
	if len(files) == 0 {
		return nil, &iface.UploadError{Message: "No files provided", Err: iface.ErrNothingStaged}
	}
	body, contentType, err := buildMultipart(files)
	if err != nil {
		return nil, &iface.UploadError{Message: FallbackUploadMessage, Err: err}
	}

	var (
		out    iface.UploadResponse
		errOut apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(newProgressReader(body, onProgress)).
		SetResult(&out).
		SetError(&errOut).
		Post("/api/upload")
	if err != nil {
		logger.Log().Error("upload request failed", zap.Int("files", len(files)), zap.Error(err))
		return nil, &iface.UploadError{Message: FallbackUploadMessage, Err: err}
	}
	if resp.IsError() {
		logger.Log().Error("upload rejected by server",
			zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return nil, &iface.UploadError{
			Message:    errOut.message(FallbackUploadMessage),
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("server returned %s", resp.Status()),
		}
	}
	if onProgress != nil {
		onProgress(100)
	}
	return &out, nil
}

func (c *Client) GetDetections(ctx context.Context, savedFilename string) (*iface.DetectionResponse, error) {
	var (
		out    iface.DetectionResponse
		errOut apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", savedFilename).
		SetResult(&out).
		SetError(&errOut).
		Get("/api/detections/{id}")
	if err != nil {
		return nil, &iface.DetectionError{SavedFilename: savedFilename, Err: err}
	}
	if resp.IsError() {
		return nil, &iface.DetectionError{
			SavedFilename: savedFilename,
			StatusCode:    resp.StatusCode(),
			Err:           errors.New(errOut.message(resp.Status())),
		}
	}
	if out.ProcessedImageURL == "" {
		return nil, &iface.DetectionError{SavedFilename: savedFilename, Err: errors.New("empty processed_image_url")}
	}
	return &out, nil
}

func (c *Client) ListImages(ctx context.Context, page, pageSize int) (*iface.ImagePage, error) {
	// the list endpoint reports failures as 200 {"error": "..."}
	var out struct {
		iface.ImagePage
		Error string `json:"error"`
	}
	var errOut apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":      strconv.Itoa(page),
			"page_size": strconv.Itoa(pageSize),
		}).
		SetResult(&out).
		SetError(&errOut).
		Get("/api/images")
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list images: %s", errOut.message(resp.Status()))
	}
	if out.Error != "" {
		return nil, fmt.Errorf("list images: %s", out.Error)
	}
	return &out.ImagePage, nil
}

func (c *Client) DeleteImage(ctx context.Context, id string) (*iface.DeleteResponse, error) {
	var (
		out    iface.DeleteResponse
		errOut apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&errOut).
		Delete("/api/images/{id}")
	if err != nil {
		return nil, fmt.Errorf("delete image %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("delete image %s: %s", id, errOut.message(resp.Status()))
	}
	return &out, nil
}

// FetchImage downloads an image reference returned by the service (for
// example a processed_image_url) and returns its bytes and content type.
// Relative references are resolved against the API base URL.
func (c *Client) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	target := ResolveURL(c.baseURL, ref)
	if target == "" {
		return nil, "", errors.New("empty image reference")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "image/*").
		Get(target)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch %s: %s", target, resp.Status())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

// PublicURL is ResolveURL against the configured public base.
func (c *Client) PublicURL(ref string) string {
	return ResolveURL(c.publicBaseURL, ref)
}

// ResolveURL prefixes a relative reference with base. Absolute references
// are returned unchanged.
func ResolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if base == "" {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func buildMultipart(files []iface.SelectedFile) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(uploadField), quoteEscaper.Replace(f.Name)))
		ct := f.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", f.Name, err)
		}
		if _, err := io.Copy(part, bytes.NewReader(f.Bytes)); err != nil {
			return nil, "", fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
