//go:build windows

package queue

// checkSameDevice is a no-op on Windows, where the layout is expected to
// stay on a single volume and no portable device id is exposed.
func checkSameDevice(dirs []string) error {
	return nil
}
