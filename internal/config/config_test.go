package config

import "testing"

func TestClampBounds(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		chk  func(Config) bool
	}{
		{"workers floor", Config{Workers: 0}, func(c Config) bool { return c.Workers == 1 }},
		{"refresh floor", Config{Workers: 1, RefreshSec: 1}, func(c Config) bool { return c.RefreshSec == 5 }},
		{"blockers ttl floor", Config{Workers: 1, BlockersTTLSec: 3}, func(c Config) bool { return c.BlockersTTLSec == 30 }},
		{"hit warn ceil", Config{Workers: 1, CacheHitWarn: 1.5}, func(c Config) bool { return c.CacheHitWarn == 1 }},
		{"hit warn floor", Config{Workers: 1, CacheHitWarn: -0.2}, func(c Config) bool { return c.CacheHitWarn == 0 }},
		{"progress floor", Config{Workers: 1, ProgressMinSec: 10}, func(c Config) bool { return c.ProgressMinSec == 30 }},
		{"lock ttl floor", Config{Workers: 1, LockTTLSec: 5}, func(c Config) bool { return c.LockTTLSec == 60 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			c.Clamp()
			if !tt.chk(c) {
				t.Errorf("clamp result %+v", c)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.BaseDir != ".slaps/tasks" {
		t.Errorf("BaseDir = %q", cfg.BaseDir)
	}
	if cfg.LLMPath != "codex" {
		t.Errorf("LLMPath = %q", cfg.LLMPath)
	}
	if cfg.Workers < 1 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.LeaderTTLSec != 15 || cfg.LockTTLSec != 1800 {
		t.Errorf("lease TTLs = %d/%d", cfg.LeaderTTLSec, cfg.LockTTLSec)
	}
}
