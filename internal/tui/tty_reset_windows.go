//go:build windows

package tui

// Windows consoles do not need the stty dance.
func bestEffortResetTTY() {}
