package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadDurations(t *testing.T) {
	t.Setenv("REAPER_INTERVAL_MINUTES", "not-a-number")
	t.Setenv("ABANDONED_AFTER_MINUTES", "-5")

	cfg := Load()
	if cfg.ReaperIntervalMinutes != 15 {
		t.Fatalf("reaper interval = %d, want 15", cfg.ReaperIntervalMinutes)
	}
	if cfg.AbandonedAfterMinutes != 60 {
		t.Fatalf("abandoned after = %d, want 60", cfg.AbandonedAfterMinutes)
	}
}
