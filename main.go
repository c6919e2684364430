package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ImgDetClient/client"
	"ImgDetClient/config"
	"ImgDetClient/engine"
	"ImgDetClient/logger"
	"ImgDetClient/monitor"
	"ImgDetClient/web"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n")
	fmt.Fprintf(out, "  %s [-config path] serve\n", os.Args[0])
	fmt.Fprintf(out, "  %s [-config path] run [-out dir] [-width N] file...\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		return 1
	}
	if err := logger.Init(cfg.Log.Mode, cfg.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	mode := "serve"
	if len(args) > 0 {
		mode, args = args[0], args[1:]
	}
	switch mode {
	case "serve":
		err = serve(ctx, cfg)
	case "run":
		err = runBatch(ctx, cfg, args)
	default:
		usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		logger.Log().Error("exited with error", zap.String("mode", mode), zap.Error(err))
		return 1
	}
	return 0
}

func newClient(cfg *config.Config) *client.Client {
	return client.New(cfg.API.BaseURL, cfg.API.PublicBaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second)
}

func banner(cfg *config.Config) {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" Detection API :", cfg.API.BaseURL)
	fmt.Println(" Web     Port  :", cfg.Server.Port)
	if cfg.Metrics.Enabled {
		fmt.Println(" Metrics Port  :", cfg.Metrics.Port)
	} else {
		fmt.Println(" Metrics       : disabled")
	}
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Log.Mode != logger.ModeDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	banner(cfg)

	c := newClient(cfg)
	orch := engine.New(c, engine.WithURLResolver(c.PublicURL))
	defer orch.Close()

	g, gctx := errgroup.WithContext(ctx)
	srv := web.NewServer(gctx, cfg, orch, c)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return monitor.StartMon(gctx, cfg.Metrics.Port) })
	}
	g.Go(func() error {
		return c.WatchHealth(gctx, time.Duration(cfg.API.HealthIntervalSeconds)*time.Second)
	})

	err := g.Wait()
	logger.Log().Info("safely exited")
	return err
}
