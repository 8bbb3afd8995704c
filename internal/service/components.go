// Package service は設定から予約台帳とエスカレーションの部品を組み立てます
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/uma-arai/sbcntr-visitor/internal/catalog"
	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/common/database"
	"github.com/uma-arai/sbcntr-visitor/internal/escalation"
	"github.com/uma-arai/sbcntr-visitor/internal/ledger"
	"github.com/uma-arai/sbcntr-visitor/internal/notify"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
	"github.com/uma-arai/sbcntr-visitor/internal/repository/memory"
)

// Repositories はストア実装(PostgreSQLまたはメモリ)をまとめたものです
type Repositories struct {
	TimeSlots repository.TimeSlotRepository
	Bookings  repository.BookingRepository
	Rules     repository.EscalationRuleRepository
	Alerts    repository.AlertRepository
}

// Components はAPIサーバーとバッチが共有する部品です
type Components struct {
	Config   *config.Config
	Repos    Repositories
	Catalog  *catalog.Catalog
	Engine   *escalation.Engine
	Ledger   *ledger.Ledger
	Notifier notify.Notifier
	Location *time.Location

	closers []func() error
}

// BuildOptions は組み立て時の追加設定です
type BuildOptions struct {
	// 指定がなければ設定に従ってRedisまたはログへ配信します
	Notifier notify.Notifier
	// trueの場合、配信を呼び出し元から切り離して非同期に行います
	AsyncNotify bool
}

// Build は設定に従って部品を組み立てます
// ENV=LOCALの場合はメモリストアを使い、それ以外はPostgreSQLに接続します
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Components, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	c := &Components{Config: cfg, Location: loc}
	if cfg.IsLocal() {
		log.Println("Local environment detected. Using in-memory store")
		store := memory.NewStore()
		c.Repos = Repositories{TimeSlots: store, Bookings: store, Rules: store, Alerts: store}
	} else {
		if err := c.openDB(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = c.defaultNotifier()
	}
	if opts.AsyncNotify {
		async := notify.NewAsync(notifier, cfg.Escalation.NotifyTimeout)
		// 逆順に閉じるため、配信先のクライアントより先に配信中のアラートを待ちます
		c.closers = append(c.closers, async.Close)
		notifier = async
	}
	c.Notifier = notifier

	return c.assemble(), nil
}

// NewComponents は組み立て済みのリポジトリから部品を作成します(テスト用)
func NewComponents(cfg *config.Config, repos Repositories, notifier notify.Notifier, clock func() time.Time) (*Components, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.Log{}
	}
	c := &Components{Config: cfg, Repos: repos, Notifier: notifier, Location: loc}
	return c.assembleWithClock(clock), nil
}

func (c *Components) openDB(ctx context.Context) error {
	db, err := database.NewDB(c.Config.DB)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	c.closers = append(c.closers, db.Close)

	repoDB := repository.NewDB(db.DB)
	if c.Config.DB.AutoMigrate {
		if err := repoDB.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	notifications := repository.NewNotificationRepository(repoDB)
	c.Repos = Repositories{
		TimeSlots: repository.NewTimeSlotRepository(repoDB),
		Bookings:  repository.NewBookingRepository(repoDB),
		Rules:     notifications,
		Alerts:    notifications,
	}
	return nil
}

// defaultNotifier はRedisが設定されていればPub/Subへ、なければログへ配信します
func (c *Components) defaultNotifier() notify.Notifier {
	if c.Config.Redis.Addr == "" {
		return notify.Log{}
	}
	client := notify.NewRedisClient(c.Config.Redis.Addr, c.Config.Redis.Password, c.Config.Redis.DB)
	c.closers = append(c.closers, client.Close)
	log.Printf("Publishing alerts to redis channel %s at %s", c.Config.Redis.Channel, c.Config.Redis.Addr)
	return notify.Fanout{notify.Log{}, notify.NewRedisPublisher(client, c.Config.Redis.Channel)}
}

func (c *Components) assemble() *Components {
	return c.assembleWithClock(nil)
}

func (c *Components) assembleWithClock(clock func() time.Time) *Components {
	cfg := c.Config
	c.Catalog = catalog.New(c.Repos.TimeSlots)
	c.Engine = escalation.NewEngine(c.Repos.Rules, c.Repos.Alerts, c.Notifier, cfg.Escalation.DefaultAlertTTL, clock, nil)
	c.Ledger = ledger.New(c.Catalog, c.Repos.Bookings, nil, c.Engine, ledger.Options{
		Location:     c.Location,
		LockTimeout:  cfg.Booking.LockTimeout,
		MaxRangeDays: cfg.Booking.MaxRangeDays,
		Clock:        clock,
	})
	return c
}

// Close は終了処理を行います。後から開いたものから閉じます
func (c *Components) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}
