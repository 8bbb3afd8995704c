package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/uma-arai/sbcntr-visitor/internal/common/database"
)

type Config struct {
	Env        string `env:"ENV" envDefault:"LOCAL"`
	DB         database.Config
	HTTP       HTTPConfig
	Booking    BookingConfig
	Escalation EscalationConfig
	Redis      RedisConfig
	SFN        struct {
		TaskToken string
	}
	EnableTracing bool
}

// HTTPConfig はAPIサーバーの設定です
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	AllowedOrigins  []string      `env:"HTTP_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RatePerSecond   float64       `env:"HTTP_RATE_PER_SECOND" envDefault:"20"`
	RateBurst       int           `env:"HTTP_RATE_BURST" envDefault:"40"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// BookingConfig は予約台帳の設定です
type BookingConfig struct {
	TimeZone     string        `env:"BOOKING_TIME_ZONE" envDefault:"Asia/Tokyo"`
	LockTimeout  time.Duration `env:"BOOKING_LOCK_TIMEOUT" envDefault:"5s"`
	MaxRangeDays int           `env:"BOOKING_MAX_RANGE_DAYS" envDefault:"31"`
}

// EscalationConfig はエスカレーション評価の設定です
// SweepLookbackDaysはスイープで遡る日数で、0の場合は当日のみです
type EscalationConfig struct {
	DefaultAlertTTL   time.Duration `env:"ESCALATION_DEFAULT_ALERT_TTL" envDefault:"24h"`
	SweepSchedule     string        `env:"ESCALATION_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	SweepLookbackDays int           `env:"ESCALATION_SWEEP_LOOKBACK_DAYS" envDefault:"1"`
	AutoNoShow        bool          `env:"AUTO_NO_SHOW" envDefault:"false"`
	NoShowGrace       time.Duration `env:"AUTO_NO_SHOW_GRACE" envDefault:"30m"`
	NotifyTimeout     time.Duration `env:"ESCALATION_NOTIFY_TIMEOUT" envDefault:"5s"`
}

// RedisConfig はアラート配信先の設定です。Addrが空の場合はログ出力のみになります
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Channel  string `env:"REDIS_ALERT_CHANNEL" envDefault:"visitor-alerts"`
}

// LoadConfig は設定を読み込みます
// カレントディレクトリに.envがあれば先に読み込みます(既存の環境変数は上書きしません)
func LoadConfig(taskToken string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}
	cfg.SFN.TaskToken = taskToken

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	if cfg.Booking.MaxRangeDays < 1 {
		return nil, fmt.Errorf("BOOKING_MAX_RANGE_DAYS must be positive, got %d", cfg.Booking.MaxRangeDays)
	}
	if cfg.Escalation.SweepLookbackDays < 0 {
		return nil, fmt.Errorf("ESCALATION_SWEEP_LOOKBACK_DAYS must not be negative, got %d", cfg.Escalation.SweepLookbackDays)
	}

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	if cfg.DB.Host == "localhost" {
		log.Printf("Using local database at %s:%d", cfg.DB.Host, cfg.DB.Port)
	}

	return cfg, nil
}

// IsLocal はローカル実行(メモリストア、Step Functions連携なし)かを返します
func (c *Config) IsLocal() bool {
	return strings.EqualFold(c.Env, "LOCAL")
}

// Location は予約日の解釈に使うタイムゾーンを返します
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Booking.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid BOOKING_TIME_ZONE %q: %w", c.Booking.TimeZone, err)
	}
	return loc, nil
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
