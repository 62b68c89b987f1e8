//go:build windows

package llm

import "syscall"

// sessionAttr is a no-op on Windows.
func sessionAttr() *syscall.SysProcAttr {
	return nil
}
