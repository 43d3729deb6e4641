package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"snakearena/server"
)

// snakearena 入口：启动 HTTP + WebSocket 服务，每个连接一局贪吃蛇
func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// 使用 zap 日志写入滚动文件
	if err := server.InitLogger(cfg.Log); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(ctx, cfg)
	srv := &http.Server{
		Addr:              cfg.Listen.Addr(),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Log.Infof("snakearena listening on http://%s", cfg.Listen.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		app.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		server.Log.Errorw("server stopped", "error", err)
		server.SyncLogger()
		os.Exit(1)
	}
}
