//go:build !linux

package systime

// Set is not supported outside Linux.
func Set(ms uint64) error {
	return ErrUnsupported
}
