package tracing

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// Segment はX-Rayのサブセグメントを包みます
// 親セグメントがない場合(テストやトレース無効時)でも安全に呼び出せます
type Segment struct {
	seg  *xray.Segment
	once sync.Once
}

// Subsegment はサブセグメントを開始します
func Subsegment(ctx context.Context, name string) (context.Context, *Segment) {
	ctx, seg := xray.BeginSubsegment(ctx, name)
	return ctx, &Segment{seg: seg}
}

// AddMetadata はセグメントにメタデータを追加します。失敗はログに残すだけです
func (s *Segment) AddMetadata(key string, value interface{}) {
	if s == nil || s.seg == nil {
		return
	}
	if err := s.seg.AddMetadata(key, value); err != nil {
		log.Printf("Failed to add %s metadata: %v", key, err)
	}
}

// Close はセグメントを閉じます。2回目以降の呼び出しは無視されます
func (s *Segment) Close(err error) {
	if s == nil || s.seg == nil {
		return
	}
	s.once.Do(func() {
		s.seg.Close(err)
	})
}

// Configure はX-Rayデーモンへの送信を設定します
// 設定に失敗した場合はデフォルトの設定で再試行します
func Configure(serviceVersion string) error {
	if err := xray.Configure(xray.Config{
		DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
		ServiceVersion: serviceVersion,
	}); err != nil {
		log.Printf("Failed to configure X-Ray: %v", err)
		if configErr := xray.Configure(xray.Config{}); configErr != nil {
			return configErr
		}
	}
	os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	return nil
}
