package ghstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// DefaultWavesTTL bounds how long the wave membership snapshot is trusted.
const DefaultWavesTTL = 600 * time.Second

type wavesSnapshot struct {
	UpdatedAt float64          `json:"updated_at"`
	Waves     map[string][]int `json:"waves"`
}

// WavesCache memoizes the wave -> issues mapping with a TTL so wave
// discovery does not repeat API queries every pass.
type WavesCache struct {
	Path string
	TTL  time.Duration

	now func() time.Time
}

// NewWavesCache builds a cache at path.
func NewWavesCache(path string, ttl time.Duration) *WavesCache {
	return &WavesCache{Path: path, TTL: ttl, now: time.Now}
}

func (c *WavesCache) read() map[string][]int {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil
	}
	var snap wavesSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	age := c.now().Sub(time.Unix(0, int64(snap.UpdatedAt*float64(time.Second))))
	if c.TTL > 0 && age > c.TTL {
		return nil
	}
	return snap.Waves
}

// Get returns the cached issues for a wave, or false when absent or
// expired.
func (c *WavesCache) Get(wave int) ([]int, bool) {
	waves := c.read()
	if waves == nil {
		return nil, false
	}
	issues, ok := waves[strconv.Itoa(wave)]
	return issues, ok
}

// Put records the issues for a wave, preserving other unexpired entries.
func (c *WavesCache) Put(wave int, issues []int) error {
	waves := c.read()
	if waves == nil {
		waves = make(map[string][]int)
	}
	sorted := append([]int(nil), issues...)
	sort.Ints(sorted)
	waves[strconv.Itoa(wave)] = sorted

	snap := wavesSnapshot{
		UpdatedAt: float64(c.now().UnixNano()) / float64(time.Second),
		Waves:     waves,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ghstate: marshal waves cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return fmt.Errorf("ghstate: mkdir waves cache dir: %w", err)
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ghstate: write waves cache temp: %w", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		return fmt.Errorf("ghstate: replace waves cache: %w", err)
	}
	return nil
}
