package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/dmorgan81/imagegen/internal/config"
	"github.com/dmorgan81/imagegen/internal/handler"
	"github.com/dmorgan81/imagegen/internal/inject"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/sweep"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, log.ParseLevel(cfg.LogLevel))
	ctx := log.NewContext(context.Background(), logger)

	injector := inject.Setup(ctx, cfg)
	h := do.MustInvoke[*handler.Handler](injector)
	do.MustInvoke[*sweep.Sweeper](injector).Start()

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		logger.Info("starting lambda function url handler")
		lambdaurl.Start(h, lambda.WithContext(ctx), lambda.WithEnableSIGTERM(func() {
			_ = injector.Shutdown()
		}))
		return
	}

	if err := serve(ctx, cfg.Listen, h); err != nil {
		logger.Error("server failed", "error", err)
	}
	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server until SIGINT or SIGTERM, then drains in-flight
// requests before returning.
func serve(ctx context.Context, addr string, h http.Handler) error {
	log := log.FromContextOrDiscard(ctx)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	group, gctx := errgroup.WithContext(sigCtx)
	group.Go(func() error {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
