//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after bubbletea exits.
// A killed dashboard can leave the terminal raw; running stty against
// /dev/tty fixes it without depending on a possibly redirected stdin.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	tty, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer tty.Close()
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}
