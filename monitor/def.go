package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"ImgDetClient/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	UploadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploads_total",
		Help: "Total number of batch uploads attempted",
	})
	UploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_failures_total",
		Help: "Total number of batch uploads that failed",
	})
	UploadedFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploaded_files_total",
		Help: "Total number of files acknowledged by the detection service",
	})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Detection fetches by result",
	}, []string{"result"})
	RejectedFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rejected_files_total",
		Help: "Selected files rejected as non-images",
	})
	PreviewHandlesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "preview_handles_live",
		Help: "Preview handles issued and not yet released",
	})
	ServiceUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_up",
		Help: "1 if the detection service answered its last health check",
	})
	BatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_duration_seconds",
		Help:    "Wall time from upload start to the last detection fetch",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, UploadsTotal, UploadFailures, UploadedFiles,
		DetectionsTotal, RejectedFiles, PreviewHandlesLive, ServiceUp, BatchSeconds)
}

// Handler serves the package registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func CheckProcessInfo() {
	memInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon 启动 /metrics 服务并每 500ms 采样一次进程信息，ctx 结束时关闭
func StartMon(ctx context.Context, port int) error {
	PID = process.Process{}
	GotPID()

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case err := <-errCh:
			return fmt.Errorf("metrics server: %w", err)
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Warn("metrics server shutdown", zap.Error(err))
	}
	return nil
}
