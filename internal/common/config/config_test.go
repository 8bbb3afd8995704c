package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENV", "LOCAL")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("BOOKING_LOCK_TIMEOUT", "2s")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SBCNTR_ENABLE_TRACING", "")
	t.Setenv("AWS_XRAY_SDK_DISABLED", "")

	cfg, err := LoadConfig("test-token")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.SFN.TaskToken != "test-token" {
		t.Errorf("TaskToken = %q, want test-token", cfg.SFN.TaskToken)
	}
	if cfg.DB.Host != "db.internal" || cfg.DB.Port != 15432 {
		t.Errorf("DB = %+v", cfg.DB)
	}
	if cfg.Booking.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %v, want 2s", cfg.Booking.LockTimeout)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.Escalation.DefaultAlertTTL != 24*time.Hour {
		t.Errorf("DefaultAlertTTL = %v, want 24h", cfg.Escalation.DefaultAlertTTL)
	}
	if cfg.Escalation.SweepLookbackDays != 1 {
		t.Errorf("SweepLookbackDays = %d, want 1", cfg.Escalation.SweepLookbackDays)
	}
	if cfg.EnableTracing {
		t.Error("EnableTracing should be false by default")
	}
	if !cfg.IsLocal() {
		t.Error("IsLocal() should be true")
	}
	if !strings.Contains(cfg.DB.DSN(), "sslmode=require") {
		t.Errorf("DSN() = %q, want sslmode=require for remote host", cfg.DB.DSN())
	}
}

func TestLoadConfig_InvalidTimeZone(t *testing.T) {
	t.Setenv("BOOKING_TIME_ZONE", "Mars/Olympus")

	if _, err := LoadConfig(""); err == nil {
		t.Error("LoadConfig() should fail for unknown time zone")
	}
}

func TestLoadConfig_NegativeSweepLookback(t *testing.T) {
	t.Setenv("ESCALATION_SWEEP_LOOKBACK_DAYS", "-1")

	if _, err := LoadConfig(""); err == nil {
		t.Error("LoadConfig() should fail for negative sweep lookback")
	}
}

func TestLoadConfig_TracingDisabledBySDKFlag(t *testing.T) {
	t.Setenv("SBCNTR_ENABLE_TRACING", "true")
	t.Setenv("AWS_XRAY_SDK_DISABLED", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.EnableTracing {
		t.Error("AWS_XRAY_SDK_DISABLED=true should win over SBCNTR_ENABLE_TRACING")
	}
}
