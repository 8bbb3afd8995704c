package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/notify"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
	"github.com/uma-arai/sbcntr-visitor/internal/service"
)

// AlertDeliveryService はスイープで作成されたアラートを配信先へ送ります
// 配信時点で確認済み・期限切れになったアラートは送りません
type AlertDeliveryService struct {
	args       []string
	components *service.Components
	alerts     repository.AlertRepository
	notifier   notify.Notifier
	cfg        *config.Config
	clock      func() time.Time
}

// NewAlertDeliveryService は新しいAlertDeliveryServiceを作成します
func NewAlertDeliveryService(ctx context.Context, cfg *config.Config) (*AlertDeliveryService, error) {
	components, err := service.Build(ctx, cfg, service.BuildOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to build components: %w", err)
	}

	return &AlertDeliveryService{
		components: components,
		alerts:     components.Repos.Alerts,
		notifier:   components.Notifier,
		cfg:        cfg,
		clock:      time.Now,
	}, nil
}

// Close は終了処理を行います
func (s *AlertDeliveryService) Close() error {
	if s.components != nil {
		return s.components.Close()
	}
	return nil
}

// SetArgs は配信するアラートのIDを設定します
func (s *AlertDeliveryService) SetArgs(alertIDs []string) {
	s.args = alertIDs
}

// Run はアラートの配信を実行します
// 1件の失敗で残りの配信は止めず、最後にまとめてエラーを返します
func (s *AlertDeliveryService) Run(ctx context.Context) error {
	ctx, seg := tracing.Subsegment(ctx, "AlertDeliveryService.Run")
	defer seg.Close(nil)

	alertIDs := uniqueIDs(s.args)
	log.Printf("Starting alert delivery for %d alerts...", len(alertIDs))
	seg.AddMetadata("alert_count", len(alertIDs))

	startTime := time.Now()
	now := s.clock()

	var (
		delivered int
		errs      []error
	)
	for _, id := range alertIDs {
		alert, err := s.alerts.GetAlert(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("Alert %s no longer exists. Skipping", id)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get alert %s: %w", id, err))
			continue
		}
		if alert.IsAcknowledged || alert.IsExpired(now) {
			log.Printf("Alert %s is already acknowledged or expired. Skipping", id)
			continue
		}

		if err := s.notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("failed to deliver alert %s: %w", id, err))
			continue
		}
		delivered++
	}

	duration := time.Since(startTime)
	seg.AddMetadata("duration", duration.String())
	seg.AddMetadata("delivered_count", delivered)

	if err := errors.Join(errs...); err != nil {
		seg.Close(err)
		return err
	}

	log.Printf("Alert delivery completed successfully. Delivered: %d, Duration: %v", delivered, duration)
	return nil
}

// ParseAlertIDs はスイープの出力(JSON)から配信対象のアラートIDを取り出します
func ParseAlertIDs(input string) ([]string, error) {
	var result SweepResult
	if err := json.Unmarshal([]byte(input), &result); err != nil {
		return nil, fmt.Errorf("failed to parse sweep result: %w", err)
	}
	return result.AlertIDs, nil
}

// 同じアラートを二重に配信しないよう、順序を保ったまま重複を除きます
func uniqueIDs(ids []string) []string {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(unique, id) {
			continue
		}
		unique = append(unique, id)
	}
	return unique
}
