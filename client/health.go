package client

import (
	"context"
	"fmt"
	"time"

	"ImgDetClient/logger"
	"ImgDetClient/monitor"

	"go.uber.org/zap"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (c *Client) Health(ctx context.Context) error {
	var out healthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/health")
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("service unhealthy: %s", resp.Status())
	}
	if out.Status != "ok" {
		return fmt.Errorf("service unhealthy: status %q", out.Status)
	}
	return nil
}

// WatchHealth polls the health endpoint every interval until ctx is done and
// mirrors the result into the service_up gauge. Transitions are logged.
func (c *Client) WatchHealth(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	up := -1
	check := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error(fmt.Sprintf("health check panic recovered: %v", r))
			}
		}()
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := c.Health(checkCtx)
		now := 1
		if err != nil {
			now = 0
		}
		monitor.ServiceUp.Set(float64(now))
		if now != up {
			if err != nil {
				logger.Log().Warn("detection service unavailable", zap.String("base_url", c.baseURL), zap.Error(err))
			} else {
				logger.Log().Info("detection service available", zap.String("base_url", c.baseURL))
			}
			up = now
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("health watcher stopped")
			return nil
		case <-ticker.C:
			check()
		}
	}
}
