//go:build !windows

package doctor

import (
	"os"
	"syscall"
)

// sameDevice reports whether every path sits on one filesystem. known is
// false when the answer cannot be determined on this platform.
func sameDevice(paths ...string) (same, known bool) {
	var dev uint64
	for i, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return false, false
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return false, false
		}
		if i == 0 {
			dev = uint64(st.Dev)
			continue
		}
		if uint64(st.Dev) != dev {
			return false, true
		}
	}
	return true, true
}
