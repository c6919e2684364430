package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"ImgDetClient/client"
	"ImgDetClient/config"
	"ImgDetClient/engine"
	iface "ImgDetClient/interface"
	"ImgDetClient/logger"
	"ImgDetClient/overlay"

	"go.uber.org/zap"
)

// runBatch uploads the given files as one batch, prints one line per image
// and optionally writes an overlay PNG per image.
func runBatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	outDir := fs.String("out", "", "write <name>_overlay.png files to this directory")
	width := fs.Int("width", cfg.Overlay.DisplayWidth, "displayed width of the overlay images")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fs.Usage()
		return errors.New("no input files")
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	selected, originals, err := readInputs(paths)
	if err != nil {
		return err
	}

	c := newClient(cfg)
	orch := engine.New(c, engine.WithURLResolver(c.PublicURL))
	defer orch.Close()

	staged, rejected, err := orch.SelectFiles(selected)
	if err != nil {
		return err
	}
	for _, r := range rejected {
		fmt.Fprintln(os.Stderr, r.Error())
	}
	if len(staged) == 0 {
		return errors.New("no image files to upload")
	}

	states, cancel := orch.Subscribe()
	defer cancel()
	go logProgress(states)

	uploaded, err := orch.Upload(ctx)
	if err != nil {
		var upErr *iface.UploadError
		if errors.As(err, &upErr) {
			fmt.Fprintln(os.Stderr, upErr.Message)
		}
		return err
	}

	results := orch.Snapshot().Results
	for _, u := range uploaded {
		out := results[u.SavedFilename]
		if !out.OK {
			fmt.Printf("%s -> failed to process image\n", u.OriginalFilename)
			continue
		}
		fmt.Printf("%s -> %s\n", u.OriginalFilename, out.ProcessedImageURL)
		if *outDir == "" {
			continue
		}
		if err := writeOverlay(ctx, c, *outDir, *width, u, out, originals[u.OriginalFilename]); err != nil {
			logger.Log().Warn("overlay not written", zap.String("file", u.OriginalFilename), zap.Error(err))
		}
	}
	return nil
}

// readInputs loads the files of one batch. The service reports results by
// original filename only, so two inputs sharing a base name are refused.
func readInputs(paths []string) ([]iface.SelectedFile, map[string][]byte, error) {
	selected := make([]iface.SelectedFile, 0, len(paths))
	originals := make(map[string][]byte, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		f, err := engine.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		if prev, dup := seen[f.Name]; dup {
			return nil, nil, fmt.Errorf("%s and %s share the file name %q", prev, p, f.Name)
		}
		seen[f.Name] = p
		selected = append(selected, f)
		originals[f.Name] = f.Bytes
	}
	return selected, originals, nil
}

func logProgress(states <-chan engine.State) {
	last := -1
	phase := engine.Phase(0)
	for s := range states {
		if s.Phase != phase {
			logger.Log().Info("batch phase", zap.Stringer("phase", s.Phase))
			phase = s.Phase
		}
		if s.Phase == engine.Uploading && s.Progress != last {
			logger.Log().Info("upload progress", zap.Int("percent", s.Progress))
			last = s.Progress
		}
	}
}

// writeOverlay draws the boxes on the local original when the service sent
// boxes; otherwise it scales the processed image.
func writeOverlay(ctx context.Context, c *client.Client, dir string, width int, u iface.UploadedImage, out iface.Outcome, original []byte) error {
	data := original
	if len(out.Boxes) == 0 || len(data) == 0 {
		var err error
		data, _, err = c.FetchImage(ctx, out.ProcessedImageURL)
		if err != nil {
			return err
		}
	}
	src, _, err := overlay.Decode(data)
	if err != nil {
		return err
	}
	img := overlay.Compose(src, out.Boxes, width)
	if out.Boxes != nil {
		printBoxes(out, src.Bounds(), img.Bounds())
	}

	name := strings.TrimSuffix(u.OriginalFilename, filepath.Ext(u.OriginalFilename)) + "_overlay.png"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := overlay.EncodePNG(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printBoxes(out iface.Outcome, natural, displayed image.Rectangle) {
	r := overlay.NewRenderer()
	r.SetImage(out.ProcessedImageURL, out.Boxes)
	r.OnImageLoad(
		overlay.Size{Width: float64(natural.Dx()), Height: float64(natural.Dy())},
		overlay.Size{Width: float64(displayed.Dx()), Height: float64(displayed.Dy())},
	)
	frame := r.Render()
	if frame.State == overlay.NoObjects {
		fmt.Printf("    %s\n", frame.Message)
	}
	for _, sb := range frame.Boxes {
		fmt.Printf("    %s at (%.0f, %.0f) %.0fx%.0f\n", sb.Label, sb.X, sb.Y, sb.W, sb.H)
	}
}
