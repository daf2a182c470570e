// Chrome Interop Test Server
//
// This server sends synthetic video to Chrome through the send-side
// congestion controller. Chrome answers with transport-wide feedback and
// receiver reports, and the target bitrate follows the available
// bandwidth. Per-session stats are served at /stats and Prometheus
// metrics at /metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/cmd/chrome-interop/server"
	"github.com/thesyncim/gcc/internal/logging"
	"github.com/thesyncim/gcc/pkg/bwe"
)

func main() {
	app := &cli.App{
		Name:  "chrome-interop",
		Usage: "send congestion-controlled video to a browser",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Value:   ":8080",
				EnvVars: []string{"INTEROP_ADDR"},
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "controller configuration `file`",
			},
			&cli.IntFlag{
				Name:  "frame-rate",
				Usage: "frames per second of the synthetic video",
				Value: 30,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "console or json",
				Value: "console",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := server.DefaultConfig()
	cfg.Addr = c.String("addr")
	cfg.FrameRate = c.Int("frame-rate")
	cfg.Logger = logger
	if path := c.String("config"); path != "" {
		if cfg.BWE, err = bwe.LoadConfig(path); err != nil {
			return err
		}
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	addr, err := srv.Start()
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Printf(`
Chrome Interop Test Server
==========================
1. Open chrome://webrtc-internals in Chrome
2. Open http://%s in another tab
3. Click "Start Call"
4. Watch the server target on the page, or curl /stats and /metrics

`, addr)
	logger.Info("listening", zap.String("addr", addr))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
