//go:build linux

package systime

import "golang.org/x/sys/unix"

// Set sets the system clock. It needs CAP_SYS_TIME.
func Set(ms uint64) error {
	tv := unix.NsecToTimeval(int64(ms) * 1e6)
	return unix.Settimeofday(&tv)
}
