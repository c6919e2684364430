package engine

import (
	"fmt"
	"os"
	"path/filepath"

	iface "ImgDetClient/interface"

	"github.com/gabriel-vasile/mimetype"
)

// SniffFile builds a SelectedFile whose MIME type is detected from content.
func SniffFile(name string, data []byte) iface.SelectedFile {
	return iface.SelectedFile{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimetype.Detect(data).String(),
		Bytes:    data,
	}
}

func ReadFile(path string) (iface.SelectedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return iface.SelectedFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return SniffFile(filepath.Base(path), data), nil
}

// validateAndStage keeps image files and returns one ValidationError per
// rejected file. A file without a declared type is sniffed first.
func validateAndStage(files []iface.SelectedFile) ([]iface.SelectedFile, []*iface.ValidationError) {
	staged := make([]iface.SelectedFile, 0, len(files))
	var rejected []*iface.ValidationError
	for _, f := range files {
		if f.MimeType == "" && len(f.Bytes) > 0 {
			f.MimeType = mimetype.Detect(f.Bytes).String()
		}
		if f.Size == 0 && len(f.Bytes) > 0 {
			f.Size = int64(len(f.Bytes))
		}
		if !IsImageType(f.MimeType) {
			rejected = append(rejected, &iface.ValidationError{Name: f.Name, MimeType: f.MimeType})
			continue
		}
		staged = append(staged, f)
	}
	return staged, rejected
}
