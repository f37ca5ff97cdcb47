package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	if cfg.PipelineVersion != "v2" {
		t.Fatalf("default pipeline version: %q", cfg.PipelineVersion)
	}
	if cfg.Workers != 4 || cfg.ClaimBatch != 8 {
		t.Fatalf("worker defaults: %d/%d", cfg.Workers, cfg.ClaimBatch)
	}
	if cfg.StaleAfter != 10*time.Minute {
		t.Fatalf("stale after default: %v", cfg.StaleAfter)
	}
	if cfg.BroadcastEnabled || cfg.DMsEnabled || cfg.GeocodingEnabled || cfg.EventsEnabled {
		t.Fatal("side effects must default off")
	}
	if cfg.LLMTimeout() != 30*time.Second {
		t.Fatalf("llm timeout default: %v", cfg.LLMTimeout())
	}
	if !cfg.IsDev() || cfg.IsProd() {
		t.Fatal("APP_ENV default should be dev")
	}
}

func Test_Load_And_AdminEnabled(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD_BCRYPT", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("CHANNELS", "@sgtuition,@tuitionjobs")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	if !cfg.AdminEnabled() {
		t.Fatal("expected AdminEnabled true")
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("channels not parsed: %+v", cfg.Channels)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("brokers not parsed: %+v", cfg.KafkaBrokers)
	}
	if !cfg.IsProd() {
		t.Fatal("expected IsProd true")
	}
}

func Test_Load_RejectsInvalid(t *testing.T) {
	t.Setenv("WORKERS", "0")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("WORKERS", "2")
	t.Setenv("MIN_MATCH_SCORE", "1.5")
	_, err = Load()
	require.Error(t, err)
}

func Test_GetLLMBackoffConfig_TestEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	maxElapsed, initial, maxIv, mult := cfg.GetLLMBackoffConfig()
	if maxElapsed != 5*time.Second || initial != 100*time.Millisecond || maxIv != time.Second || mult != 2.0 {
		t.Fatalf("test backoff config: %v %v %v %v", maxElapsed, initial, maxIv, mult)
	}
}
