// Package identity supplies the instance identity stamped into claimed_by.
// An identity must be stable across every CLI invocation within one logical
// operator session, or heartbeats and completions would fail their own
// ownership checks. It is therefore persisted in a session-keyed temp file
// rather than derived from the (ever-changing) process id.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Provider yields the identity the queue acts as.
type Provider interface {
	ID() (string, error)
}

type fixed string

func (f fixed) ID() (string, error) { return string(f), nil }

// Fixed returns a provider with a constant identity. Used when config pins
// one explicitly, and by tests.
func Fixed(id string) Provider { return fixed(id) }

// ForInstance returns a Fixed provider when an override is configured and
// the session provider otherwise.
func ForInstance(override string) Provider {
	if v := strings.TrimSpace(override); v != "" {
		return Fixed(v)
	}
	return NewSessionProvider()
}

// SessionProvider generates an identity once per logical session and reuses
// it from a temp file on subsequent calls. Two concurrent sessions on one
// machine get distinct files and therefore distinct identities.
type SessionProvider struct {
	// TempDir overrides os.TempDir. Tests point it at t.TempDir().
	TempDir string
}

// NewSessionProvider returns the default file-backed provider.
func NewSessionProvider() *SessionProvider {
	return &SessionProvider{}
}

// ID returns the session identity, generating and persisting one if needed.
// A corrupt or empty identity file is regenerated in place. A persistence
// failure still yields a usable identity for this invocation.
func (p *SessionProvider) ID() (string, error) {
	path := p.path()
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" && !strings.ContainsAny(id, "\n\x00") {
			return id, nil
		}
	}
	id := generate()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		// The identity is still good for this invocation; the next one
		// will fabricate a fresh one, which only widens recovery windows.
		return id, nil
	}
	return id, nil
}

func (p *SessionProvider) path() string {
	dir := p.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("paperq-instance-%d-%s", os.Getuid(), sessionKey()))
}

// sessionKey identifies the logical session. Environment markers are
// preferred; the parent pid is the last resort and only breaks identity
// reuse across exec boundaries, never correctness.
func sessionKey() string {
	for _, env := range []string{"PAPERQ_SESSION", "XDG_SESSION_ID", "SSH_TTY", "TERM_SESSION_ID"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return sanitizeKey(v)
		}
	}
	return fmt.Sprintf("ppid-%d", os.Getppid())
}

func sanitizeKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	const maxKey = 64
	out := b.String()
	if len(out) > maxKey {
		out = out[len(out)-maxKey:]
	}
	return out
}

func generate() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	if idx := strings.Index(host, "."); idx > 0 {
		host = host[:idx]
	}
	return host + "-" + uuid.NewString()[:8]
}
