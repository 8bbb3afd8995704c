package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// AlertFilter はアラート一覧の絞り込み条件です
// UserIDとRoleの両方が空の場合はすべての未確認アラートを返します
type AlertFilter struct {
	UserID string
	Role   string
}

// EscalationRuleRepository はエスカレーションルールの読み込みを担当するインターフェースです
type EscalationRuleRepository interface {
	LoadEnabledRules(ctx context.Context) ([]model.EscalationRule, error)
}

// AlertRepository は通知アラートの永続化を担当するインターフェースです
type AlertRepository interface {
	// InsertAlertIfAbsent は同じ(ルール, 関連エンティティ)の未確認・有効期限内アラートがない場合のみ作成します
	InsertAlertIfAbsent(ctx context.Context, alert model.NotificationAlert) (bool, error)
	GetAlert(ctx context.Context, id string) (model.NotificationAlert, error)
	// AcknowledgeAlert は確認済みにします。既に確認済みの場合は保存済みのアラートとErrAlreadyAcknowledgedを返します
	AcknowledgeAlert(ctx context.Context, id, userID string, at time.Time) (model.NotificationAlert, error)
	ListActiveAlerts(ctx context.Context, filter AlertFilter, now time.Time) ([]model.NotificationAlert, error)
}

// NotificationRepositoryImpl はルールとアラートのPostgreSQL実装です
type NotificationRepositoryImpl struct {
	db *DB
}

// NewNotificationRepository は新しいNotificationRepositoryを作成します
func NewNotificationRepository(db *DB) *NotificationRepositoryImpl {
	return &NotificationRepositoryImpl{
		db: db,
	}
}

const alertColumns = `
	id, rule_id, type, priority, target_user_id, target_role, title, message,
	related_entity_type, related_entity_id, payload, is_acknowledged,
	acknowledged_by, acknowledged_on, expires_on, created_on`

// LoadEnabledRules は有効なエスカレーションルールを取得します
func (r *NotificationRepositoryImpl) LoadEnabledRules(ctx context.Context) ([]model.EscalationRule, error) {
	ctx, seg := tracing.Subsegment(ctx, "NotificationRepository.LoadEnabledRules")
	defer seg.Close(nil)

	query := `
		SELECT id, name, alert_type, priority, is_enabled, threshold_expression,
			target_user_id, target_role, expires_after_minutes, created_at
		FROM escalation_rules
		WHERE is_enabled
		ORDER BY id ASC`

	var rules []model.EscalationRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}

	seg.AddMetadata("rule_count", len(rules))
	return rules, nil
}

// InsertAlertIfAbsent はアラートを条件付きで作成します
// 期限切れの既存アラートを重複抑止の対象から外した上で、部分一意インデックスに対して
// ON CONFLICT DO NOTHING で挿入するため、同時評価でも作成されるのは1件だけです
func (r *NotificationRepositoryImpl) InsertAlertIfAbsent(ctx context.Context, alert model.NotificationAlert) (bool, error) {
	ctx, seg := tracing.Subsegment(ctx, "NotificationRepository.InsertAlertIfAbsent")
	defer seg.Close(nil)

	created := false
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		release := `
			UPDATE notification_alerts
			SET dedupe_open = FALSE
			WHERE rule_id = $1
				AND related_entity_type = $2
				AND related_entity_id = $3
				AND dedupe_open
				AND expires_on IS NOT NULL
				AND expires_on <= $4`
		if _, err := tx.ExecContext(ctx, release,
			alert.RuleID, alert.RelatedEntityType, alert.RelatedEntityID, alert.CreatedOn); err != nil {
			return fmt.Errorf("failed to release expired alerts: %w", err)
		}

		insert := `
			INSERT INTO notification_alerts (` + alertColumns + `, dedupe_open
			) VALUES (
				:id, :rule_id, :type, :priority, :target_user_id, :target_role, :title, :message,
				:related_entity_type, :related_entity_id, :payload, :is_acknowledged,
				:acknowledged_by, :acknowledged_on, :expires_on, :created_on, TRUE
			)
			ON CONFLICT (rule_id, related_entity_type, related_entity_id) WHERE dedupe_open DO NOTHING`
		result, err := tx.NamedExecContext(ctx, insert, alert)
		if err != nil {
			if isUniqueViolation(err) {
				return nil
			}
			return fmt.Errorf("failed to insert alert: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		created = rowsAffected == 1
		return nil
	})
	if err != nil {
		seg.Close(err)
		return false, err
	}

	seg.AddMetadata("created", created)
	return created, nil
}

// GetAlert は指定されたIDのアラートを取得します
func (r *NotificationRepositoryImpl) GetAlert(ctx context.Context, id string) (model.NotificationAlert, error) {
	ctx, seg := tracing.Subsegment(ctx, "NotificationRepository.GetAlert")
	defer seg.Close(nil)

	query := `SELECT` + alertColumns + `
		FROM notification_alerts
		WHERE id = $1`

	var alert model.NotificationAlert
	if err := r.db.GetContext(ctx, &alert, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NotificationAlert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
		}
		seg.Close(err)
		return model.NotificationAlert{}, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// AcknowledgeAlert はアラートを確認済みにします。確認は一度だけ記録されます
func (r *NotificationRepositoryImpl) AcknowledgeAlert(ctx context.Context, id, userID string, at time.Time) (model.NotificationAlert, error) {
	ctx, seg := tracing.Subsegment(ctx, "NotificationRepository.AcknowledgeAlert")
	defer seg.Close(nil)

	query := `
		UPDATE notification_alerts
		SET is_acknowledged = TRUE,
			acknowledged_by = $1,
			acknowledged_on = $2,
			dedupe_open = FALSE
		WHERE id = $3 AND NOT is_acknowledged
		RETURNING` + alertColumns

	var alert model.NotificationAlert
	err := r.db.GetContext(ctx, &alert, query, userID, at, id)
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		seg.Close(err)
		return model.NotificationAlert{}, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	// 更新対象がない場合は、存在しないか確認済みのどちらか
	existing, err := r.GetAlert(ctx, id)
	if err != nil {
		return model.NotificationAlert{}, err
	}
	return existing, model.ErrAlreadyAcknowledged
}

// ListActiveAlerts は未確認かつ期限内のアラートを新しい順に取得します
func (r *NotificationRepositoryImpl) ListActiveAlerts(ctx context.Context, filter AlertFilter, now time.Time) ([]model.NotificationAlert, error) {
	ctx, seg := tracing.Subsegment(ctx, "NotificationRepository.ListActiveAlerts")
	defer seg.Close(nil)

	query := `SELECT` + alertColumns + `
		FROM notification_alerts
		WHERE NOT is_acknowledged
			AND (expires_on IS NULL OR expires_on > $1)
			AND (
				($2::text = '' AND $3::text = '')
				OR (target_user_id IS NULL AND target_role IS NULL)
				OR ($2 <> '' AND target_user_id = $2)
				OR ($3 <> '' AND target_role = $3)
			)
		ORDER BY created_on DESC`

	var alerts []model.NotificationAlert
	if err := r.db.SelectContext(ctx, &alerts, query, now, filter.UserID, filter.Role); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	return alerts, nil
}
