package iface

import (
	"context"
	"errors"
	"fmt"
)

// Service is the remote detection service as seen by the client.
type Service interface {
	UploadImages(ctx context.Context, files []SelectedFile, onProgress func(pct int)) (*UploadResponse, error)
	GetDetections(ctx context.Context, savedFilename string) (*DetectionResponse, error)
	ListImages(ctx context.Context, page, pageSize int) (*ImagePage, error)
	DeleteImage(ctx context.Context, id string) (*DeleteResponse, error)
}

// FallbackUploadMessage is shown when the server gave no usable detail.
const FallbackUploadMessage = "Failed to upload files. Please try again."

var (
	ErrNothingStaged   = errors.New("no files staged for upload")
	ErrBatchInFlight   = errors.New("a batch is already in flight")
	ErrPreviewReleased = errors.New("preview handle already released")
	ErrClosed          = errors.New("orchestrator is closed")
)

// ValidationError rejects a single file; the rest of the batch continues.
type ValidationError struct {
	Name     string
	MimeType string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is not an image file", e.Name)
}

// UploadError fails the whole batch. Message is safe to show to the user.
type UploadError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload failed (%d): %s", e.StatusCode, e.Message)
	}
	return "upload failed: " + e.Message
}

func (e *UploadError) Unwrap() error { return e.Err }

// DetectionError is scoped to one uploaded image.
type DetectionError struct {
	SavedFilename string
	StatusCode    int
	Err           error
}

func (e *DetectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("detection for %s failed (%d): %v", e.SavedFilename, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("detection for %s failed: %v", e.SavedFilename, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }
