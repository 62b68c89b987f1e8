// Package config holds runtime configuration for a slaps session.
// Values are populated from .slaps.yaml, SLAPS_* env vars, and CLI flags.
package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// Config is the resolved knob set shared by the watcher, workers, caches,
// and coordinator.
type Config struct {
	BaseDir          string  `mapstructure:"base_dir"`
	LLMPath          string  `mapstructure:"llm_path"`
	Workers          int     `mapstructure:"workers"`
	Wave             int     `mapstructure:"wave"`
	RefreshSec       int     `mapstructure:"refresh_sec"`
	BlockersTTLSec   int     `mapstructure:"blockers_ttl_sec"`
	CacheHitWarn     float64 `mapstructure:"cache_hit_warn"`
	ReconcileSec     int     `mapstructure:"reconcile_sec"`
	ReconcileMax     int     `mapstructure:"reconcile_max"`
	ProgressMinSec   int     `mapstructure:"progress_min_sec"`
	WaveStatusIssue  int     `mapstructure:"wave_status_issue"`
	LeaderTTLSec     int     `mapstructure:"leader_ttl_sec"`
	LockTTLSec       int     `mapstructure:"lock_ttl_sec"`
	ProjectTitle     string  `mapstructure:"project"`
	RoadmapPath      string  `mapstructure:"roadmap"`
	Verbose          bool    `mapstructure:"verbose"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() Config {
	viper.SetDefault("base_dir", ".slaps/tasks")
	viper.SetDefault("llm_path", "codex")
	viper.SetDefault("workers", runtime.NumCPU())
	viper.SetDefault("wave", 0)
	viper.SetDefault("refresh_sec", 60)
	viper.SetDefault("blockers_ttl_sec", 300)
	viper.SetDefault("cache_hit_warn", 0.7)
	viper.SetDefault("reconcile_sec", 600)
	viper.SetDefault("reconcile_max", 10)
	viper.SetDefault("progress_min_sec", 120)
	viper.SetDefault("wave_status_issue", 0)
	viper.SetDefault("leader_ttl_sec", 15)
	viper.SetDefault("lock_ttl_sec", 1800)
	viper.SetDefault("project", "")
	viper.SetDefault("roadmap", "docs/ROADMAP-DAG.md")
	viper.SetDefault("verbose", false)

	// Legacy environment names that predate the SLAPS_ prefix.
	_ = viper.BindEnv("wave", "SLAPS_WAVE", "TASK_WAVE")
	_ = viper.BindEnv("wave_status_issue", "SLAPS_WAVE_STATUS_ISSUE", "WAVE_STATUS_ISSUE")
	_ = viper.BindEnv("workers", "SLAPS_WORKERS")
	_ = viper.BindEnv("refresh_sec", "SLAPS_REFRESH_SEC")
	_ = viper.BindEnv("blockers_ttl_sec", "SLAPS_BLOCKERS_TTL")
	_ = viper.BindEnv("cache_hit_warn", "SLAPS_CACHE_HIT_WARN")
	_ = viper.BindEnv("reconcile_sec", "SLAPS_RECONCILE_SEC")
	_ = viper.BindEnv("reconcile_max", "SLAPS_RECONCILE_MAX")
	_ = viper.BindEnv("progress_min_sec", "SLAPS_PROGRESS_MIN_SEC")

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	cfg.Clamp()
	return cfg
}

// Clamp applies lower bounds so misconfigured knobs cannot stall or
// hammer external systems.
func (c *Config) Clamp() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.RefreshSec < 5 {
		c.RefreshSec = 5
	}
	if c.BlockersTTLSec < 30 {
		c.BlockersTTLSec = 30
	}
	if c.CacheHitWarn < 0 {
		c.CacheHitWarn = 0
	}
	if c.CacheHitWarn > 1 {
		c.CacheHitWarn = 1
	}
	if c.ProgressMinSec < 30 {
		c.ProgressMinSec = 30
	}
	if c.LeaderTTLSec < 0 {
		c.LeaderTTLSec = 0
	}
	if c.LockTTLSec < 60 {
		c.LockTTLSec = 60
	}
}
