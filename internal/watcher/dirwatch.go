package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Arrival is a task file newly present in a watched state directory.
type Arrival struct {
	Dir  string // Watched directory
	Name string // File base name
}

// DirWatch monitors the closed and failed directories with fsnotify so
// routing is reacted to promptly instead of only on the poll tick. The poll
// tick remains the source of truth; arrivals just wake the watcher early.
type DirWatch struct {
	Arrivals <-chan Arrival

	arrivals chan Arrival
	done     chan struct{}
	watcher  *fsnotify.Watcher
}

// NewDirWatch creates a watch over the given directories.
func NewDirWatch(dirs ...string) (*DirWatch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
	}

	ch := make(chan Arrival, 64)
	w := &DirWatch{
		Arrivals: ch,
		arrivals: ch,
		done:     make(chan struct{}),
		watcher:  fw,
	}
	go w.loop()
	return w, nil
}

// Stop closes the watch and its channel.
func (w *DirWatch) Stop() {
	w.watcher.Close()
	<-w.done
	close(w.arrivals)
}

func (w *DirWatch) loop() {
	defer close(w.done)

	// Debounce: track last event time per file so a write burst during an
	// append-then-rename sequence yields one arrival.
	const debounce = 100 * time.Millisecond
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				for file := range pending {
					w.emit(file)
				}
				return
			}
			if !isTaskName(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			now := time.Now()
			for file, t := range pending {
				if now.Sub(t) >= debounce {
					w.emit(file)
					delete(pending, file)
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; polling covers the gap.
		}
	}
}

func isTaskName(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".txt")
}

func (w *DirWatch) emit(file string) {
	select {
	case w.arrivals <- Arrival{Dir: filepath.Dir(file), Name: filepath.Base(file)}:
	default:
		// Channel full; the poll tick will pick the file up.
	}
}
