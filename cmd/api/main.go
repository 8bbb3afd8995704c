package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/robfig/cron/v3"
	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/handler"
	"github.com/uma-arai/sbcntr-visitor/internal/service"
	"github.com/uma-arai/sbcntr-visitor/internal/service/batch"
	"golang.org/x/sync/errgroup"
)

const (
	projectName = "sbcntr-visitor-api"

	// レート制限の状態を破棄するまでのアイドル時間
	limiterIdle = 10 * time.Minute
)

func main() {
	// 設定の読み込み
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := tracing.Configure("1.0.0"); err != nil {
			log.Fatalf("Failed to configure default X-Ray settings: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := service.Build(ctx, cfg, service.BuildOptions{AsyncNotify: true})
	if err != nil {
		log.Fatalf("Failed to build components: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer components.Close()

	if err := run(ctx, cfg, components); err != nil {
		log.Printf("Server stopped with error: %v", err)
		components.Close()
		os.Exit(1)
	}
	log.Println("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, components *service.Components) error {
	limiter := handler.NewRateLimiter(cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst)
	h := handler.New(components.Catalog, components.Ledger, components.Engine, limiter)

	var root http.Handler = handler.Wrap(h.Router(), cfg.HTTP.AllowedOrigins)
	if cfg.EnableTracing {
		root = xray.Handler(xray.NewFixedSegmentNamer(projectName), root)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 前回のスイープが終わっていなければ次の実行は飛ばします
	scheduler := cron.New(
		cron.WithLocation(components.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	sweep := batch.NewEscalationSweep(components, nil, nil)
	// リクエストの外で動くため、実行ごとにセグメントを作ります
	if _, err := scheduler.AddFunc(cfg.Escalation.SweepSchedule, func() {
		sweep.RunScheduled(ctx, projectName+"-sweep")
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Start()
		log.Printf("Escalation sweep scheduled: %s", cfg.Escalation.SweepSchedule)
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Cleanup(limiterIdle); n > 0 {
					log.Printf("Removed %d idle rate limiter entries", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
