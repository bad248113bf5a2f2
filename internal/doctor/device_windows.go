//go:build windows

package doctor

// sameDevice cannot inspect device IDs here; the rename probe still
// catches cross-volume setups.
func sameDevice(paths ...string) (same, known bool) {
	return false, false
}
