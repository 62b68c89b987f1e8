package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
)

// followupFileName sorts before every issue-numbered task so the sweep runs
// first in the reopened wave.
const followupFileName = "0000-followups.txt"

var followupRe = regexp.MustCompile(`I just (finished|failed) task (\d+)\. Follow-ups: (.*)`)

// CollectFollowups scans every worker's follow-up log for notes, keyed by
// the task they refer to. Unreadable logs are skipped.
func CollectFollowups(workersDir string) map[int][]string {
	out := make(map[int][]string)
	logs, err := filepath.Glob(filepath.Join(workersDir, "*", "follow-up-log.txt"))
	if err != nil {
		return out
	}
	sort.Strings(logs)
	for _, log := range logs {
		data, err := os.ReadFile(log)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			m := followupRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			issue, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			if note := strings.TrimSpace(m[3]); note != "" {
				out[issue] = append(out[issue], note)
			}
		}
	}
	return out
}

// BuildFollowupPrompt renders the consolidated sweep prompt for one wave.
func BuildFollowupPrompt(wave int, issues map[int][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"POLICY (READ CAREFULLY):\n"+
			"- DO NOT PERFORM GIT OPERATIONS. Do not run git/gh, do not commit, branch, rebase, or push.\n"+
			"- DO NOT RUN TESTS. Write failing tests first if needed for follow-ups, then implement fixes, but do not execute the test suite.\n"+
			"- You are performing a follow-up sweep after wave %d.\n\n\n", wave)
	b.WriteString("You are the Follow-Up Sweeper. Review the notes below and address them with minimal, surgical changes.\n")
	b.WriteString("For each item: (1) add or update tests to cover the follow-up, (2) implement the change, (3) keep changes small and focused.\n")
	b.WriteString("After addressing an item, append a line to the relevant worker follow-up log in the format: 'Resolved task {issue}: <brief note>'.\n")
	b.WriteString("Do not run tests or git commands. The Quality Guardian will do that next.\n")
	b.WriteString("\nFollow-ups by issue:\n\n")

	nums := make([]int, 0, len(issues))
	for issue := range issues {
		nums = append(nums, issue)
	}
	sort.Ints(nums)
	for _, issue := range nums {
		fmt.Fprintf(&b, "- Task %d:\n", issue)
		for _, note := range issues[issue] {
			fmt.Fprintf(&b, "  - %s\n", note)
		}
	}
	return b.String()
}

// EnqueueFollowups writes the consolidated follow-up prompt into the wave's
// open queue when any collected note belongs to the wave per the roadmap.
// Returns whether a prompt was enqueued.
func EnqueueFollowups(p queue.Paths, workersDir, roadmap string, wave int) (bool, error) {
	waveMap, err := WaveMap(roadmap)
	if err != nil {
		return false, err
	}
	if wave <= 0 || len(waveMap) == 0 {
		return false, nil
	}
	all := CollectFollowups(workersDir)
	inWave := make(map[int][]string)
	for issue, notes := range all {
		if waveMap[issue] == wave && len(notes) > 0 {
			inWave[issue] = notes
		}
	}
	if len(inWave) == 0 {
		return false, nil
	}
	dir := p.StateDir(task.StateOpen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("coordinator: mkdir open queue: %w", err)
	}
	path := filepath.Join(dir, followupFileName)
	if err := os.WriteFile(path, []byte(BuildFollowupPrompt(wave, inWave)), 0o644); err != nil {
		return false, fmt.Errorf("coordinator: write followups prompt: %w", err)
	}
	return true, nil
}
