package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/common/utils"
	"github.com/uma-arai/sbcntr-visitor/internal/service/batch"
)

const (
	projectName = "sbcntr-visitor-notification"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	input := flag.String("input", `{"alert_ids":[]}`, "スイープ結果のJSON(ENV=LOCALの場合に使用)")
	flag.Parse()

	// 最後の引数としてスイープ結果(JSON)を受け取る
	// ENV=LOCALの場合は-inputの値を使う
	payload := *input
	if os.Getenv("ENV") != "LOCAL" {
		if flag.NArg() == 0 {
			log.Fatalf("Sweep result is required")
		}
		payload = flag.Arg(flag.NArg() - 1)
	}

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

	alertIDs, err := batch.ParseAlertIDs(payload)
	if err != nil {
		log.Fatalf("Failed to parse alert ids: %v", err)
	}

	// コンテキストを作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("alert_count", len(alertIDs)); err != nil {
			log.Printf("Failed to add alert_count metadata: %v", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// 配信バッチサービスを作成
	service, err := batch.NewAlertDeliveryService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create alert delivery service: %v", err)
	}
	defer service.Close()
	service.SetArgs(alertIDs)

	// シグナルハンドリング
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- utils.RunWithTimeout(ctx, *timeout, service.Run)
	}()

	// シグナルを待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			log.Printf("Batch process failed: %v\nStack trace:\n%s", err, debug.Stack())
			service.Close()
			os.Exit(1)
		}
		log.Println("Batch process completed successfully")
	}
}
