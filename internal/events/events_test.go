package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEmitWritesFlatJSONL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	e, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := e.Emit(Move, Fields{"task": 10, "from": "open", "to": "claimed", "worker": 1}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["event"] != "move" {
		t.Errorf("event = %v, want move", got["event"])
	}
	if got["ts"] != "2026-01-02T03:04:05Z" {
		t.Errorf("ts = %v, want 2026-01-02T03:04:05Z", got["ts"])
	}
	if got["task"] != float64(10) || got["from"] != "open" {
		t.Errorf("fields not flattened: %v", got)
	}
}

func TestEmitConcurrentLineAtomicity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	e, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.Emit(Claimed, Fields{"issue": i})
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != n {
		t.Errorf("got %d lines, want %d", lines, n)
	}
}

func TestNilEmitterIsNoOp(t *testing.T) {
	t.Parallel()

	var e *Emitter
	if err := e.Emit(Success, Fields{"issue": 1}); err != nil {
		t.Errorf("nil Emit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
