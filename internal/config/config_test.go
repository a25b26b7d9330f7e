package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxNotificationsPerHour != 60 {
		t.Errorf("max notifications per hour = %d, want 60", cfg.MaxNotificationsPerHour)
	}
	if cfg.AllowDegradedChannels {
		t.Error("degraded channels must be opt-in, not the default")
	}
}

func TestLoad_AllowDegradedChannels(t *testing.T) {
	t.Setenv("ALLOW_DEGRADED_CHANNELS", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AllowDegradedChannels {
		t.Error("ALLOW_DEGRADED_CHANNELS=true not applied")
	}

	t.Setenv("ALLOW_DEGRADED_CHANNELS", "sometimes")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-boolean ALLOW_DEGRADED_CHANNELS")
	}
}

func TestLoad_RejectsInvalidTuning(t *testing.T) {
	t.Setenv("BATCH_CHUNK_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero BATCH_CHUNK_SIZE")
	}
}
