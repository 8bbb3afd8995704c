package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/common/utils"
	"github.com/uma-arai/sbcntr-visitor/internal/escalation"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/notify"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
	"github.com/uma-arai/sbcntr-visitor/internal/service"
)

// TaskClient はStep Functionsへタスクの結果を返すクライアントです
type TaskClient interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// SlotLookup は時間枠定義の参照先です
type SlotLookup interface {
	GetDefinition(ctx context.Context, slotID string) (model.TimeSlotDefinition, error)
}

// EventEvaluator はスイープで作ったイベントを評価します
type EventEvaluator interface {
	Evaluate(ctx context.Context, event escalation.Event) ([]model.NotificationAlert, error)
}

// NoShowMarker は来訪なしへの遷移を行います
type NoShowMarker interface {
	MarkNoShow(ctx context.Context, bookingID string, asOf time.Time) (model.Booking, error)
}

// SweepResult はスイープの結果です。Step Functionsの出力として次のタスクへ渡します
type SweepResult struct {
	Checked   int      `json:"checked"`
	AlertIDs  []string `json:"alert_ids"`
	NoShowIDs []string `json:"no_show_ids"`
}

// EscalationSweepService は確定済みで未チェックインの予約を定期的に評価します
// 時間枠の開始を過ぎた予約ごとにcheck_in_overdueイベントを発行し、
// AutoNoShowが有効な場合は終了から猶予を過ぎた予約を来訪なしにします
type EscalationSweepService struct {
	components *service.Components
	bookings   repository.BookingRepository
	slots      SlotLookup
	evaluator  EventEvaluator
	noShows    NoShowMarker
	sfnClient  TaskClient
	cfg        *config.Config
	loc        *time.Location
	clock      func() time.Time
}

// componentBuilder は設定から部品を組み立てます
type componentBuilder func(ctx context.Context, cfg *config.Config, opts service.BuildOptions) (*service.Components, error)

// NewEscalationSweepService は新しいEscalationSweepServiceを作成します
func NewEscalationSweepService(ctx context.Context, cfg *config.Config, sfnClient TaskClient) (*EscalationSweepService, error) {
	return newEscalationSweepService(ctx, cfg, sfnClient, service.Build)
}

func newEscalationSweepService(ctx context.Context, cfg *config.Config, sfnClient TaskClient, build componentBuilder) (*EscalationSweepService, error) {
	// 作成したアラートは後続の配信バッチが配信するため、ここではログに出すだけにします
	components, err := build(ctx, cfg, service.BuildOptions{Notifier: notify.Log{}})
	if err != nil {
		return nil, fmt.Errorf("failed to build components: %w", err)
	}

	s := NewEscalationSweep(components, sfnClient, nil)
	s.components = components
	return s, nil
}

// NewEscalationSweep は組み立て済みの部品からスイープを作成します
// APIサーバーのcronからも使います。clockがnilの場合は現在時刻を使います
func NewEscalationSweep(c *service.Components, sfnClient TaskClient, clock func() time.Time) *EscalationSweepService {
	if clock == nil {
		clock = time.Now
	}
	return &EscalationSweepService{
		bookings:  c.Repos.Bookings,
		slots:     c.Catalog,
		evaluator: c.Engine,
		noShows:   c.Ledger,
		sfnClient: sfnClient,
		cfg:       c.Config,
		loc:       c.Location,
		clock:     clock,
	}
}

// Close は終了処理を行います
func (s *EscalationSweepService) Close() error {
	if s.components != nil {
		return s.components.Close()
	}
	return nil
}

// Run はスイープを実行し、結果をStep Functionsへ返します
func (s *EscalationSweepService) Run(ctx context.Context) error {
	ctx, seg := tracing.Subsegment(ctx, "EscalationSweepService.Run")
	defer seg.Close(nil)

	startTime := time.Now()

	result, err := s.Sweep(ctx)
	if err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to sweep bookings: %w", err))
	}

	if err := s.sendTaskSuccess(ctx, result); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)
	seg.AddMetadata("duration", duration.String())

	log.Printf("Escalation sweep completed successfully. Duration: %v", duration)
	return nil
}

// RunScheduled はセグメントを開始してスイープを実行します。APIサーバーのcronから呼びます
// 失敗はログに残すだけです
func (s *EscalationSweepService) RunScheduled(ctx context.Context, segmentName string) {
	ctx, seg := xray.BeginSegment(ctx, segmentName)
	result, err := s.Sweep(ctx)
	seg.Close(err)
	if err != nil {
		log.Printf("Escalation sweep failed: %v", err)
		return
	}
	log.Printf("Escalation sweep checked %d booking(s), created %d alert(s), marked %d no-show(s)",
		result.Checked, len(result.AlertIDs), len(result.NoShowIDs))
}

// Sweep はSweepLookbackDays日前から当日までの確定済み予約を評価します
// 個々の予約の失敗はログに残して処理を続けます
func (s *EscalationSweepService) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, seg := tracing.Subsegment(ctx, "EscalationSweepService.Sweep")
	defer seg.Close(nil)

	now := s.clock().In(s.loc)
	today := model.DateOf(now)

	// スイープが止まっていた間の予約も拾えるよう遡る日数は設定で変えられます
	lookback := s.cfg.Escalation.SweepLookbackDays
	if lookback < 0 {
		lookback = 0
	}
	from := today.AddDays(-lookback)
	seg.AddMetadata("from", from.String())

	bookings, err := s.bookings.ListBookingsByStatus(ctx, model.BookingStatusConfirmed, from, today)
	if err != nil {
		seg.Close(err)
		return SweepResult{}, fmt.Errorf("failed to list confirmed bookings: %w", err)
	}
	log.Printf("Found %d confirmed bookings to sweep", len(bookings))

	result := SweepResult{AlertIDs: []string{}, NoShowIDs: []string{}}
	slots := make(map[string]model.TimeSlotDefinition)
	snapshots := make(map[model.OccurrenceKey][]model.Booking)

	for _, booking := range bookings {
		def, ok := slots[booking.SlotID]
		if !ok {
			def, err = s.slots.GetDefinition(ctx, booking.SlotID)
			if err != nil {
				log.Printf("Failed to get time slot %s for booking %s: %v", booking.SlotID, booking.ID, err)
				continue
			}
			slots[booking.SlotID] = def
		}

		start := def.StartOn(booking.BookingDate, s.loc)
		if now.Before(start) {
			continue
		}
		result.Checked++

		key := booking.Key()
		snapshot, ok := snapshots[key]
		if !ok {
			snapshot, err = s.bookings.LoadBookings(ctx, key.SlotID, key.Date)
			if err != nil {
				log.Printf("Failed to load bookings for %s: %v", key, err)
				continue
			}
			snapshots[key] = snapshot
		}

		alerts, err := s.evaluator.Evaluate(ctx, escalation.Event{
			Type:       escalation.EventCheckInOverdue,
			Slot:       def,
			Booking:    booking,
			Bookings:   snapshot,
			OccurredAt: now,
		})
		if err != nil {
			log.Printf("Failed to evaluate booking %s: %v", booking.ID, err)
		}
		for _, alert := range alerts {
			result.AlertIDs = append(result.AlertIDs, alert.ID)
		}

		if !s.cfg.Escalation.AutoNoShow {
			continue
		}
		end := def.EndOn(booking.BookingDate, s.loc)
		if !now.After(end.Add(s.cfg.Escalation.NoShowGrace)) {
			continue
		}
		if _, err := s.noShows.MarkNoShow(ctx, booking.ID, now); err != nil {
			// スイープ中にチェックインやキャンセルされた場合は遷移エラーになります
			var transitionErr *model.TransitionError
			if errors.As(err, &transitionErr) {
				log.Printf("Skipped no-show for booking %s: %v", booking.ID, err)
			} else {
				log.Printf("Failed to mark booking %s as no-show: %v", booking.ID, err)
			}
			continue
		}
		result.NoShowIDs = append(result.NoShowIDs, booking.ID)
	}

	seg.AddMetadata("checked", result.Checked)
	seg.AddMetadata("alert_count", len(result.AlertIDs))
	seg.AddMetadata("no_show_count", len(result.NoShowIDs))
	return result, nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、スイープ結果を返却します
func (s *EscalationSweepService) sendTaskSuccess(ctx context.Context, result SweepResult) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if s.cfg.IsLocal() || s.sfnClient == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep result: %w", err)
	}

	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	}
	if _, err := s.sfnClient.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success with sweep result: %s", string(output))
	return nil
}
