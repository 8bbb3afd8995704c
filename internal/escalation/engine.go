// Package escalation は予約台帳のイベントをエスカレーションルールで評価し、通知アラートを作成します
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/notify"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
)

// AcknowledgeResult は確認操作の結果です
// 既に確認済みだった場合、Alertは保存済みの内容のままでAlreadyAcknowledgedがtrueになります
type AcknowledgeResult struct {
	Alert               model.NotificationAlert `json:"alert"`
	AlreadyAcknowledged bool                    `json:"already_acknowledged"`
}

// Engine はエスカレーションルールの評価とアラートのライフサイクルを扱います
type Engine struct {
	rules      repository.EscalationRuleRepository
	alerts     repository.AlertRepository
	notifier   notify.Notifier
	defaultTTL time.Duration
	clock      func() time.Time
	newID      func() string
}

// NewEngine はEngineを作成します。clockとnewIDがnilの場合は現在時刻とUUIDを使います
func NewEngine(
	rules repository.EscalationRuleRepository,
	alerts repository.AlertRepository,
	notifier notify.Notifier,
	defaultTTL time.Duration,
	clock func() time.Time,
	newID func() string,
) *Engine {
	if notifier == nil {
		notifier = notify.Log{}
	}
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		rules:      rules,
		alerts:     alerts,
		notifier:   notifier,
		defaultTTL: defaultTTL,
		clock:      clock,
		newID:      newID,
	}
}

// Evaluate は有効なルールを読み込んでイベントを評価します
func (e *Engine) Evaluate(ctx context.Context, event Event) ([]model.NotificationAlert, error) {
	ctx, seg := tracing.Subsegment(ctx, "EscalationEngine.Evaluate")
	defer seg.Close(nil)

	rules, err := e.rules.LoadEnabledRules(ctx)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}

	return e.EvaluateRules(ctx, event, rules)
}

// EvaluateRules は各ルールを独立に評価し、新しく作成されたアラートを返します
// 1つのルールの失敗は他のルールの評価を止めません
func (e *Engine) EvaluateRules(ctx context.Context, event Event, rules []model.EscalationRule) ([]model.NotificationAlert, error) {
	facts := event.facts()
	if len(facts) == 0 {
		return nil, nil
	}

	var created []model.NotificationAlert
	var errs []error
	for _, rule := range rules {
		if !rule.IsEnabled {
			continue
		}

		expr, err := ParseExpression(rule.ThresholdExpression)
		if err != nil {
			log.Printf("Skipping escalation rule %s: %v", rule.ID, err)
			continue
		}

		f, ok := facts[expr.Metric]
		if !ok || !expr.Matches(f.value) {
			continue
		}

		alert, err := e.buildAlert(event, rule, expr, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		inserted, err := e.alerts.InsertAlertIfAbsent(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create alert for rule %s: %w", rule.ID, err))
			continue
		}
		if !inserted {
			continue
		}

		log.Printf("Created %s alert %s for %s %s (rule %s)",
			alert.Type, alert.ID, alert.RelatedEntityType, alert.RelatedEntityID, rule.ID)
		created = append(created, alert)

		if err := e.notifier.Notify(ctx, alert); err != nil {
			log.Printf("Failed to deliver alert %s: %v", alert.ID, err)
		}
	}

	return created, errors.Join(errs...)
}

func (e *Engine) buildAlert(event Event, rule model.EscalationRule, expr Expression, f fact) (model.NotificationAlert, error) {
	now := e.clock()

	payload, err := json.Marshal(map[string]interface{}{
		"event":        event.Type,
		"metric":       expr.Metric,
		"value":        f.value,
		"threshold":    expr.String(),
		"slot_id":      event.Slot.ID,
		"booking_date": event.Booking.BookingDate,
		"booking_id":   event.Booking.ID,
	})
	if err != nil {
		return model.NotificationAlert{}, fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	alert := model.NotificationAlert{
		ID:                e.newID(),
		RuleID:            rule.ID,
		Type:              rule.AlertType,
		Priority:          rule.Priority,
		TargetUserID:      nonEmpty(rule.TargetUserID),
		TargetRole:        nonEmpty(rule.TargetRole),
		Title:             title(rule, event),
		Message:           fmt.Sprintf("%s on %s %s: %s is %g (rule: %s)", event.Slot.Name, event.Booking.BookingDate, event.Slot.StartTime, expr.Metric, f.value, expr),
		RelatedEntityType: f.entityType,
		RelatedEntityID:   f.entityID,
		Payload:           types.JSONText(payload),
		CreatedOn:         now,
	}

	ttl := e.defaultTTL
	if rule.ExpiresAfterMinutes > 0 {
		ttl = time.Duration(rule.ExpiresAfterMinutes) * time.Minute
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		alert.ExpiresOn = &expires
	}
	return alert, nil
}

func title(rule model.EscalationRule, event Event) string {
	switch rule.AlertType {
	case model.AlertTypeNearCapacity:
		return "Time slot nearly full: " + event.Slot.Name
	case model.AlertTypeLateCancellation:
		return "Late cancellation: " + event.Slot.Name
	case model.AlertTypeMissedCheckIn:
		return "Visitor has not checked in: " + event.Slot.Name
	case model.AlertTypeNoShow:
		return "No-show recorded: " + event.Slot.Name
	case model.AlertTypeLargeGroup:
		return "Large group booked: " + event.Slot.Name
	}
	return rule.Name
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// Acknowledge はアラートを確認済みにします。確認は1回だけ記録されます
func (e *Engine) Acknowledge(ctx context.Context, alertID, userID string) (AcknowledgeResult, error) {
	ctx, seg := tracing.Subsegment(ctx, "EscalationEngine.Acknowledge")
	defer seg.Close(nil)

	if alertID == "" || userID == "" {
		return AcknowledgeResult{}, fmt.Errorf("%w: alert id and user id are required", model.ErrInvalidArgument)
	}

	alert, err := e.alerts.AcknowledgeAlert(ctx, alertID, userID, e.clock())
	if errors.Is(err, model.ErrAlreadyAcknowledged) {
		return AcknowledgeResult{Alert: alert, AlreadyAcknowledged: true}, nil
	}
	if err != nil {
		seg.Close(err)
		return AcknowledgeResult{}, err
	}

	log.Printf("Alert %s acknowledged by %s", alertID, userID)
	return AcknowledgeResult{Alert: alert}, nil
}

// ListActive は未確認かつ期限内のアラートを返します
func (e *Engine) ListActive(ctx context.Context, filter repository.AlertFilter) ([]model.NotificationAlert, error) {
	return e.alerts.ListActiveAlerts(ctx, filter, e.clock())
}

// GetAlert はアラートを1件返します
func (e *Engine) GetAlert(ctx context.Context, alertID string) (model.NotificationAlert, error) {
	return e.alerts.GetAlert(ctx, alertID)
}
