package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tasker-run/tasker/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	a.Log.Info("server listening", "addr", a.Cfg.Server.HTTPAddr)
	serveErr := make(chan error, 1)
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			a.Log.Error("http server failed", "error", err)
		}
	case s := <-sig:
		a.Log.Info("received shutdown signal", "signal", s.String())
		ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("http server shutdown error", "error", err)
		}
	}
}
