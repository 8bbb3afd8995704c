package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// AlertType は通知アラートの種類を表します
type AlertType string

const (
	// AlertTypeNearCapacity は定員に近づいたことを表します
	AlertTypeNearCapacity AlertType = "near_capacity"
	// AlertTypeLateCancellation は開始直前のキャンセルを表します
	AlertTypeLateCancellation AlertType = "late_cancellation"
	// AlertTypeMissedCheckIn は開始後もチェックインがないことを表します
	AlertTypeMissedCheckIn AlertType = "missed_check_in"
	// AlertTypeNoShow は来訪なしを表します
	AlertTypeNoShow AlertType = "no_show"
	// AlertTypeLargeGroup は大人数の予約を表します
	AlertTypeLargeGroup AlertType = "large_group"
)

// AlertPriority はアラートの優先度です
type AlertPriority string

const (
	AlertPriorityLow      AlertPriority = "low"
	AlertPriorityNormal   AlertPriority = "normal"
	AlertPriorityHigh     AlertPriority = "high"
	AlertPriorityCritical AlertPriority = "critical"
)

// 関連エンティティの種類
const (
	EntityTypeOccurrence = "time_slot_occurrence"
	EntityTypeBooking    = "booking"
)

// EscalationRule はアラートを発生させる条件です
// 管理者が編集し、エスカレーション評価時には読み取りのみ行います
type EscalationRule struct {
	ID                  string        `db:"id" json:"id"`
	Name                string        `db:"name" json:"name"`
	AlertType           AlertType     `db:"alert_type" json:"alert_type"`
	Priority            AlertPriority `db:"priority" json:"priority"`
	IsEnabled           bool          `db:"is_enabled" json:"is_enabled"`
	ThresholdExpression string        `db:"threshold_expression" json:"threshold_expression"`
	TargetUserID        *string       `db:"target_user_id" json:"target_user_id,omitempty"`
	TargetRole          *string       `db:"target_role" json:"target_role,omitempty"`
	// 0の場合はエンジンの既定値を使います
	ExpiresAfterMinutes int       `db:"expires_after_minutes" json:"expires_after_minutes"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// NotificationAlert はエスカレーションエンジンが生成するアラートです
// 変更は確認(acknowledge)操作のみ。期限切れは読み取り時に判定します
type NotificationAlert struct {
	ID                string         `db:"id" json:"id"`
	RuleID            string         `db:"rule_id" json:"rule_id"`
	Type              AlertType      `db:"type" json:"type"`
	Priority          AlertPriority  `db:"priority" json:"priority"`
	TargetUserID      *string        `db:"target_user_id" json:"target_user_id,omitempty"`
	TargetRole        *string        `db:"target_role" json:"target_role,omitempty"`
	Title             string         `db:"title" json:"title"`
	Message           string         `db:"message" json:"message"`
	RelatedEntityType string         `db:"related_entity_type" json:"related_entity_type"`
	RelatedEntityID   string         `db:"related_entity_id" json:"related_entity_id"`
	Payload           types.JSONText `db:"payload" json:"payload,omitempty"`
	IsAcknowledged    bool           `db:"is_acknowledged" json:"is_acknowledged"`
	AcknowledgedBy    *string        `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedOn    *time.Time     `db:"acknowledged_on" json:"acknowledged_on,omitempty"`
	ExpiresOn         *time.Time     `db:"expires_on" json:"expires_on,omitempty"`
	CreatedOn         time.Time      `db:"created_on" json:"created_on"`
}

// IsExpired は now 時点で期限切れかを返します
func (a NotificationAlert) IsExpired(now time.Time) bool {
	return a.ExpiresOn != nil && !a.ExpiresOn.After(now)
}

// IsBroadcast は宛先ユーザーもロールも持たないアラートかを返します
func (a NotificationAlert) IsBroadcast() bool {
	return a.TargetUserID == nil && a.TargetRole == nil
}

// DedupeKey は重複抑止に使うキーです
func (a NotificationAlert) DedupeKey() string {
	return a.RuleID + "|" + a.RelatedEntityType + "|" + a.RelatedEntityID
}

// IsVisibleTo は指定ユーザー・ロールが受け取るべきアラートかを返します
func (a NotificationAlert) IsVisibleTo(userID, role string) bool {
	if a.IsBroadcast() {
		return true
	}
	if a.TargetUserID != nil && *a.TargetUserID == userID && userID != "" {
		return true
	}
	return a.TargetRole != nil && *a.TargetRole == role && role != ""
}
