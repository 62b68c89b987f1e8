package coordinator

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// WaveRecord is the TOML-serializable outcome of one wave. Durations are
// stored as nanosecond int64 values since the TOML library does not
// natively support Go durations.
type WaveRecord struct {
	Wave       int   `toml:"wave"`
	Closed     int   `toml:"closed"`
	Dead       int   `toml:"dead"`
	DurationNs int64 `toml:"duration_ns"`
	GuardianRC int   `toml:"guardian_rc"`
}

// RunMetrics is the per-run metrics file shape.
type RunMetrics struct {
	StartedAt   time.Time    `toml:"started_at"`
	CompletedAt time.Time    `toml:"completed_at,omitempty"`
	Waves       []WaveRecord `toml:"waves"`
}

// MetricsStore persists run metrics at a fixed path with atomic replace.
type MetricsStore struct {
	Path string
}

// Load reads the metrics file. A missing file yields zero metrics.
func (s *MetricsStore) Load() (RunMetrics, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunMetrics{}, nil
		}
		return RunMetrics{}, fmt.Errorf("coordinator: read metrics: %w", err)
	}
	var m RunMetrics
	if err := toml.Unmarshal(data, &m); err != nil {
		return RunMetrics{}, fmt.Errorf("coordinator: parse metrics: %w", err)
	}
	return m, nil
}

func (s *MetricsStore) save(m RunMetrics) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("coordinator: marshal metrics: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("coordinator: write temp metrics: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("coordinator: replace metrics: %w", err)
	}
	return nil
}

// Start stamps the run start time, preserving nothing from a previous run.
func (s *MetricsStore) Start(t time.Time) error {
	return s.save(RunMetrics{StartedAt: t})
}

// RecordWave appends or replaces the record for one wave.
func (s *MetricsStore) RecordWave(rec WaveRecord) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range m.Waves {
		if m.Waves[i].Wave == rec.Wave {
			m.Waves[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		m.Waves = append(m.Waves, rec)
	}
	return s.save(m)
}

// Complete stamps the run completion time.
func (s *MetricsStore) Complete(t time.Time) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	m.CompletedAt = t
	return s.save(m)
}
