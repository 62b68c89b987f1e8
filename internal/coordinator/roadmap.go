// Package coordinator runs the wave loop: watcher per wave, follow-up
// sweep, dead-letter gate, Quality Guardian, and per-run metrics.
package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	phaseRe = regexp.MustCompile(`subgraph\s+Phase(\d+)`)
	nodeRe  = regexp.MustCompile(`\bN(\d+)\[`)
)

// MaxWave returns the highest Phase number declared in the roadmap mermaid
// file. A missing roadmap yields 0.
func MaxWave(roadmap string) (int, error) {
	f, err := os.Open(roadmap)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("coordinator: open roadmap: %w", err)
	}
	defer f.Close()

	max := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := phaseRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("coordinator: scan roadmap: %w", err)
	}
	return max, nil
}

// WaveMap returns the issue -> wave assignment from the roadmap: node lines
// `N<issue>[` belong to the enclosing `subgraph Phase<N>` block, closed by a
// bare `end`.
func WaveMap(roadmap string) (map[int]int, error) {
	f, err := os.Open(roadmap)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]int{}, nil
		}
		return nil, fmt.Errorf("coordinator: open roadmap: %w", err)
	}
	defer f.Close()

	mapping := make(map[int]int)
	current := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if m := phaseRe.FindStringSubmatch(line); m != nil {
			current, _ = strconv.Atoi(m[1])
			continue
		}
		if strings.TrimSpace(line) == "end" {
			current = 0
			continue
		}
		if current == 0 {
			continue
		}
		if m := nodeRe.FindStringSubmatch(line); m != nil {
			if issue, err := strconv.Atoi(m[1]); err == nil {
				mapping[issue] = current
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("coordinator: scan roadmap: %w", err)
	}
	return mapping, nil
}
