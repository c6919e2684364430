package engine

import (
	"context"
	"fmt"
	"sync"

	iface "ImgDetClient/interface"
	"ImgDetClient/logger"

	"go.uber.org/zap"
)

type detectJob struct {
	ctx    context.Context
	saved  string
	Result chan detectResult
}

type detectResult struct {
	resp *iface.DetectionResponse
	err  error
}

// detectQueue 单 worker 的检测任务队列，保证按提交顺序逐个执行
type detectQueue struct {
	svc  iface.Service
	jobs chan detectJob
	once sync.Once
	stop chan struct{}
}

func newDetectQueue(svc iface.Service) *detectQueue {
	q := &detectQueue{
		svc:  svc,
		jobs: make(chan detectJob),
		stop: make(chan struct{}),
	}
	go q.runWorker()
	return q
}

func (q *detectQueue) runWorker() {
	logger.Log().Debug("detection worker started")
	for {
		select {
		case <-q.stop:
			logger.Log().Debug("detection worker stopped")
			return
		case job := <-q.jobs:
			resp, err := q.detect(job)
			job.Result <- detectResult{resp: resp, err: err}
		}
	}
}

// detect turns a panic in the service into a per-item failure so the worker
// keeps serving the rest of the batch.
func (q *detectQueue) detect(job detectJob) (resp *iface.DetectionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("detection worker panic recovered",
				zap.String("saved_filename", job.saved), zap.Any("panic", r))
			resp = nil
			err = &iface.DetectionError{SavedFilename: job.saved, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return q.svc.GetDetections(job.ctx, job.saved)
}

// Do submits one job and waits for its result. Callers that loop over Do get
// strictly sequential execution.
func (q *detectQueue) Do(ctx context.Context, saved string) (*iface.DetectionResponse, error) {
	job := detectJob{ctx: ctx, saved: saved, Result: make(chan detectResult, 1)}
	select {
	case q.jobs <- job:
	case <-q.stop:
		return nil, &iface.DetectionError{SavedFilename: saved, Err: fmt.Errorf("detection queue closed")}
	case <-ctx.Done():
		return nil, &iface.DetectionError{SavedFilename: saved, Err: ctx.Err()}
	}
	res := <-job.Result
	return res.resp, res.err
}

func (q *detectQueue) Close() {
	q.once.Do(func() {
		close(q.stop)
	})
}
