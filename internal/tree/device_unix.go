//go:build unix

package tree

import "golang.org/x/sys/unix"

// deviceOf returns the id of the device holding p
func deviceOf(p string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil //nolint:unconvert // Dev is not uint64 on every platform
}
