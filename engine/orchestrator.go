package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iface "ImgDetClient/interface"
	"ImgDetClient/logger"
	"ImgDetClient/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxNotices = 50

type Option func(*Orchestrator)

// WithURLResolver rewrites processed-image references before they are stored,
// for example to prefix the public base URL.
func WithURLResolver(fn func(string) string) Option {
	return func(o *Orchestrator) { o.resolve = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns one batch at a time: selection, previews, upload and the
// sequential detection pass. It is safe for concurrent use.
type Orchestrator struct {
	svc      iface.Service
	previews *PreviewTable
	queue    *detectQueue
	resolve  func(string) string
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	files    []iface.SelectedFile
	inFlight bool
	closed   bool
	subs     map[int]chan State
	nextSub  int
}

func New(svc iface.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		svc:      svc,
		previews: NewPreviewTable(),
		resolve:  func(s string) string { return s },
		now:      time.Now,
		subs:     make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Named("orchestrator")
	}
	o.queue = newDetectQueue(svc)
	o.state.Phase = Idle
	o.state.UpdatedAt = o.now()
	return o
}

// SelectFiles validates a new selection and stages the image files. Every
// previously issued preview is released before the new set is created. It
// fails with ErrBatchInFlight while a batch is running and with ErrClosed
// after Close.
func (o *Orchestrator) SelectFiles(files []iface.SelectedFile) ([]StagedFile, []*iface.ValidationError, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, iface.ErrClosed
	}
	if o.inFlight {
		return nil, nil, iface.ErrBatchInFlight
	}

	o.state.Phase = Validating
	o.publishLocked()

	staged, rejected := validateAndStage(files)
	handles := o.previews.ReplaceAll(staged)

	o.files = staged
	o.state.BatchID = uuid.New().String()
	o.state.Staged = make([]StagedFile, len(staged))
	for i, f := range staged {
		o.state.Staged[i] = StagedFile{
			Name:       f.Name,
			Size:       f.Size,
			MimeType:   f.MimeType,
			Key:        f.Key(),
			PreviewID:  handles[i].ID,
			PreviewURL: handles[i].URL,
		}
	}
	o.state.Rejected = o.state.Rejected[:0]
	for _, r := range rejected {
		o.state.Rejected = append(o.state.Rejected, r.Name)
		o.noticeLocked(iface.NoticeError, r.Error())
	}
	o.state.Uploaded = nil
	o.state.Results = nil
	o.state.Progress = 0
	o.state.LastError = ""
	o.state.Phase = Idle
	o.publishLocked()

	if len(rejected) > 0 {
		monitor.RejectedFiles.Add(float64(len(rejected)))
	}
	o.log.Info("files staged",
		zap.String("batch_id", o.state.BatchID),
		zap.Int("staged", len(staged)),
		zap.Int("rejected", len(rejected)))
	return append([]StagedFile(nil), o.state.Staged...), rejected, nil
}

// ClearSelection drops the staged files and releases their previews.
func (o *Orchestrator) ClearSelection() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return iface.ErrClosed
	}
	if o.inFlight {
		return iface.ErrBatchInFlight
	}
	o.previews.ReleaseAll()
	o.files = nil
	o.state.Staged = nil
	o.state.Rejected = nil
	o.state.Progress = 0
	o.state.Phase = Idle
	o.publishLocked()
	return nil
}

// Upload sends the staged batch in one request and, on success, runs the
// detection pass before returning. Failure is atomic: nothing is recorded
// and the staged files stay in place for a retry.
func (o *Orchestrator) Upload(ctx context.Context) ([]iface.UploadedImage, error) {
	files, batchID, err := o.beginUpload()
	if err != nil {
		return nil, err
	}
	return o.upload(ctx, files, batchID)
}

// StartUpload applies the same guards as Upload synchronously, then runs the
// batch in the background. The channel yields the batch error (nil on
// success) and is closed.
func (o *Orchestrator) StartUpload(ctx context.Context) (string, <-chan error, error) {
	files, batchID, err := o.beginUpload()
	if err != nil {
		return "", nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		_, err := o.upload(ctx, files, batchID)
		done <- err
	}()
	return batchID, done, nil
}

func (o *Orchestrator) beginUpload() ([]iface.SelectedFile, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, "", iface.ErrClosed
	}
	if o.inFlight {
		o.log.Debug("upload ignored, batch in flight")
		return nil, "", iface.ErrBatchInFlight
	}
	if len(o.files) == 0 {
		return nil, "", iface.ErrNothingStaged
	}
	o.inFlight = true
	o.state.Phase = Uploading
	o.state.Progress = 0
	o.state.LastError = ""
	o.publishLocked()
	return append([]iface.SelectedFile(nil), o.files...), o.state.BatchID, nil
}

func (o *Orchestrator) upload(ctx context.Context, files []iface.SelectedFile, batchID string) ([]iface.UploadedImage, error) {
	start := o.now()
	monitor.UploadsTotal.Inc()
	o.log.Info("uploading batch", zap.String("batch_id", batchID), zap.Int("files", len(files)))

	resp, err := o.svc.UploadImages(ctx, files, o.setProgress)
	if err == nil {
		err = accountFor(files, resp)
	}
	if err != nil {
		return nil, o.failUpload(batchID, err)
	}

	uploaded := append([]iface.UploadedImage(nil), resp.Files...)
	o.mu.Lock()
	o.previews.ReleaseAll()
	o.files = nil
	o.state.Staged = nil
	o.state.Uploaded = uploaded
	o.state.Progress = 0
	o.state.Phase = Uploaded
	o.noticeLocked(iface.NoticeSuccess, fmt.Sprintf("Successfully uploaded %d file(s)", len(uploaded)))
	o.publishLocked()
	o.mu.Unlock()

	monitor.UploadedFiles.Add(float64(len(uploaded)))
	o.log.Info("batch uploaded", zap.String("batch_id", batchID), zap.Int("files", len(uploaded)))

	o.runDetections(ctx, uploaded)
	monitor.BatchSeconds.Observe(o.now().Sub(start).Seconds())
	return uploaded, nil
}

// FetchDetections runs a detection pass over already uploaded images. It
// shares the in-flight guard with Upload.
func (o *Orchestrator) FetchDetections(ctx context.Context, uploaded []iface.UploadedImage) (iface.DetectionResults, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, iface.ErrClosed
	}
	if o.inFlight {
		o.mu.Unlock()
		return nil, iface.ErrBatchInFlight
	}
	o.inFlight = true
	o.state.Uploaded = append([]iface.UploadedImage(nil), uploaded...)
	o.mu.Unlock()
	return o.runDetections(ctx, uploaded), nil
}

func (o *Orchestrator) runDetections(ctx context.Context, uploaded []iface.UploadedImage) iface.DetectionResults {
	o.mu.Lock()
	o.state.Phase = DetectingAll
	o.state.LoadingDetections = true
	o.state.Results = nil
	o.publishLocked()
	o.mu.Unlock()

	results := make(iface.DetectionResults, len(uploaded))
	for _, img := range uploaded {
		resp, err := o.queue.Do(ctx, img.SavedFilename)
		if err != nil {
			o.log.Debug("detection failed", zap.String("saved_filename", img.SavedFilename), zap.Error(err))
			results[img.SavedFilename] = iface.Outcome{}
			monitor.DetectionsTotal.WithLabelValues("failed").Inc()
			continue
		}
		results[img.SavedFilename] = iface.Outcome{
			ProcessedImageURL: o.resolve(resp.ProcessedImageURL),
			Boxes:             resp.Boxes,
			OK:                true,
		}
		monitor.DetectionsTotal.WithLabelValues("ok").Inc()
	}

	o.mu.Lock()
	o.state.Results = results
	o.state.LoadingDetections = false
	o.state.Phase = AllDetected
	o.inFlight = false
	o.publishLocked()
	o.mu.Unlock()
	return results.Clone()
}

func (o *Orchestrator) failUpload(batchID string, err error) error {
	var upErr *iface.UploadError
	if !errors.As(err, &upErr) {
		upErr = &iface.UploadError{Message: iface.FallbackUploadMessage, Err: err}
	}
	if upErr.Message == "" {
		upErr.Message = iface.FallbackUploadMessage
	}
	monitor.UploadFailures.Inc()
	o.log.Error("upload failed", zap.String("batch_id", batchID), zap.Error(err))

	o.mu.Lock()
	o.state.Phase = UploadFailed
	o.state.Progress = 0
	o.state.LastError = upErr.Message
	o.noticeLocked(iface.NoticeError, upErr.Message)
	o.inFlight = false
	o.publishLocked()
	o.mu.Unlock()
	return upErr
}

// accountFor checks that every staged file came back, matching by original
// filename only.
func accountFor(files []iface.SelectedFile, resp *iface.UploadResponse) error {
	if resp == nil || len(resp.Files) == 0 {
		return &iface.UploadError{Message: iface.FallbackUploadMessage, Err: errors.New("empty upload response")}
	}
	want := make(map[string]int, len(files))
	for _, f := range files {
		want[f.Name]++
	}
	for _, u := range resp.Files {
		want[u.OriginalFilename]--
	}
	for name, n := range want {
		if n != 0 {
			return &iface.UploadError{
				Message: iface.FallbackUploadMessage,
				Err:     fmt.Errorf("upload response does not account for %q", name),
			}
		}
	}
	return nil
}

func (o *Orchestrator) setProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase != Uploading || pct <= o.state.Progress {
		return
	}
	o.state.Progress = pct
	o.publishLocked()
}

func (o *Orchestrator) noticeLocked(level, msg string) {
	o.state.Notices = append(o.state.Notices, iface.Notice{Level: level, Message: msg, At: o.now()})
	if n := len(o.state.Notices); n > maxNotices {
		o.state.Notices = append([]iface.Notice(nil), o.state.Notices[n-maxNotices:]...)
	}
}

// Snapshot returns a deep copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe delivers the latest state after every change. Slow readers only
// see the newest snapshot. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan State, 1)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.state.clone()
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) publishLocked() {
	o.state.UpdatedAt = o.now()
	for _, ch := range o.subs {
		snap := o.state.clone()
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Preview returns a live preview handle and its bytes.
func (o *Orchestrator) Preview(id string) (PreviewHandle, []byte, bool) {
	return o.previews.Lookup(id)
}

// LivePreviews counts preview handles not yet released.
func (o *Orchestrator) LivePreviews() int {
	return o.previews.Live()
}

// Close releases every preview, stops the detection worker and closes all
// subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	n := o.previews.ReleaseAll()
	o.queue.Close()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.log.Debug("orchestrator closed", zap.Int("previews_released", n))
}
