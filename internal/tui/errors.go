package tui

import "strings"

// humanError reduces a wrapped error chain to its innermost message for
// the dashboard's one-line error display, so "status: list processing:
// permission denied" reads as "Permission denied".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	cut := false
	for {
		_, rest, found := strings.Cut(msg, ": ")
		if !found || rest == "" {
			break
		}
		msg, cut = rest, true
	}
	if !cut || msg == "" {
		return err.Error()
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
