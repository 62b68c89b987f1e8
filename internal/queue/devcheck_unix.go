//go:build !windows

package queue

import (
	"fmt"
	"os"
	"syscall"
)

// checkSameDevice verifies every directory lives on one filesystem device.
// Renames across devices are not atomic, so a split layout is refused at
// startup rather than risking lost or duplicated claims.
func checkSameDevice(dirs []string) error {
	var dev uint64
	for i, d := range dirs {
		fi, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("queue: stat %s: %w", d, err)
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return nil
		}
		if i == 0 {
			dev = uint64(st.Dev)
			continue
		}
		if uint64(st.Dev) != dev {
			return fmt.Errorf("%w: %s", ErrCrossDevice, d)
		}
	}
	return nil
}
