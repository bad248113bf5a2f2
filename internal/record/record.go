// Package record reads and writes task record files. Two encodings exist in
// the wild: the structured JSON form written by current tooling, and the flat
// key=value form left behind by the shell-based predecessor. Reads accept
// both forever; writes always produce JSON, so legacy records upgrade the
// first time any operation touches them.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Suffix is the record file extension. A task named "report-2023" lives in
// a state directory as "report-2023.task".
const Suffix = ".task"

// Field keys, as they appear in both encodings.
const (
	KeyPDF            = "pdf"
	KeyCreatedAt      = "created_at"
	KeyClaimedBy      = "claimed_by"
	KeyClaimedAt      = "claimed_at"
	KeyHeartbeatAt    = "heartbeat_at"
	KeyLeaseExpiresAt = "lease_expires_at"
	KeyCompletedAt    = "completed_at"
	KeyError          = "error"
)

// Keys lists every field key in canonical order.
var Keys = []string{
	KeyPDF,
	KeyCreatedAt,
	KeyClaimedBy,
	KeyClaimedAt,
	KeyHeartbeatAt,
	KeyLeaseExpiresAt,
	KeyCompletedAt,
	KeyError,
}

// Encoding identifies which on-disk form a record was decoded from.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingFlat    Encoding = "flat"
	EncodingUnknown Encoding = ""
)

// Record is the metadata stored alongside a task. Every field is a string;
// an unset field is the empty string, never null. State is NOT recorded
// here: the directory a record sits in is the only authority.
type Record struct {
	PDF            string `json:"pdf"`
	CreatedAt      string `json:"created_at"`
	ClaimedBy      string `json:"claimed_by"`
	ClaimedAt      string `json:"claimed_at"`
	HeartbeatAt    string `json:"heartbeat_at"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	CompletedAt    string `json:"completed_at"`
	Error          string `json:"error"`
}

// Field returns the value for key, or "" for unknown keys.
func (r *Record) Field(key string) string {
	switch key {
	case KeyPDF:
		return r.PDF
	case KeyCreatedAt:
		return r.CreatedAt
	case KeyClaimedBy:
		return r.ClaimedBy
	case KeyClaimedAt:
		return r.ClaimedAt
	case KeyHeartbeatAt:
		return r.HeartbeatAt
	case KeyLeaseExpiresAt:
		return r.LeaseExpiresAt
	case KeyCompletedAt:
		return r.CompletedAt
	case KeyError:
		return r.Error
	}
	return ""
}

// SetField sets the value for key. Unknown keys are ignored and return false.
func (r *Record) SetField(key, value string) bool {
	switch key {
	case KeyPDF:
		r.PDF = value
	case KeyCreatedAt:
		r.CreatedAt = value
	case KeyClaimedBy:
		r.ClaimedBy = value
	case KeyClaimedAt:
		r.ClaimedAt = value
	case KeyHeartbeatAt:
		r.HeartbeatAt = value
	case KeyLeaseExpiresAt:
		r.LeaseExpiresAt = value
	case KeyCompletedAt:
		r.CompletedAt = value
	case KeyError:
		r.Error = value
	default:
		return false
	}
	return true
}

// ClearOwnership erases claim and lease fields, returning the record to an
// unowned shape. Registration metadata (pdf, created_at) is untouched.
func (r *Record) ClearOwnership() {
	r.ClaimedBy = ""
	r.ClaimedAt = ""
	r.HeartbeatAt = ""
	r.LeaseExpiresAt = ""
}

// FormatTime renders a timestamp the way record fields store them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a record timestamp. ok is false for empty or unparseable
// values; callers treat both the same as "unset".
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ClaimedTime parses claimed_at.
func (r *Record) ClaimedTime() (time.Time, bool) { return ParseTime(r.ClaimedAt) }

// LeaseExpiryTime parses lease_expires_at.
func (r *Record) LeaseExpiryTime() (time.Time, bool) { return ParseTime(r.LeaseExpiresAt) }

// HeartbeatTime parses heartbeat_at.
func (r *Record) HeartbeatTime() (time.Time, bool) { return ParseTime(r.HeartbeatAt) }

// CompletedTime parses completed_at.
func (r *Record) CompletedTime() (time.Time, bool) { return ParseTime(r.CompletedAt) }

// Decode parses record content in either encoding. ok is false when the
// content is empty or unrecognizable; the returned record is then zero, so
// callers that only read fields get empty strings rather than an error.
func Decode(data []byte) (Record, Encoding, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Record{}, EncodingUnknown, false
	}
	if trimmed[0] == '{' {
		var r Record
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return Record{}, EncodingUnknown, false
		}
		return r, EncodingJSON, true
	}
	return decodeFlat(trimmed)
}

// decodeFlat parses the legacy key=value line format. Unknown keys, comment
// lines and blanks are skipped. At least one known key must be present for
// the content to count as a record.
func decodeFlat(data []byte) (Record, Encoding, bool) {
	var r Record
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if r.SetField(strings.ToLower(key), value) {
			found = true
		}
	}
	if !found {
		return Record{}, EncodingUnknown, false
	}
	return r, EncodingFlat, true
}

// Encode renders the record in the structured form.
func Encode(r Record) []byte {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		// A struct of strings cannot fail to marshal.
		return []byte("{}\n")
	}
	return append(data, '\n')
}

// Load reads and decodes the record at path. A missing or unreadable file
// behaves exactly like a corrupt one: zero record, ok false.
func Load(path string) (Record, Encoding, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, EncodingUnknown, false
	}
	return Decode(data)
}

// Write atomically replaces the record at path with the structured encoding:
// temp file in the same directory, then rename. Readers never observe a
// partial record.
func Write(path string, r Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(Encode(r)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// FileName maps a task name to its record file name.
func FileName(name string) string {
	return name + Suffix
}

// NameFromFile recovers the task name from a record file name. ok is false
// for files that are not records (wrong suffix, temp files, or dotfiles).
func NameFromFile(base string) (string, bool) {
	if !strings.HasSuffix(base, Suffix) || strings.HasPrefix(base, ".") {
		return "", false
	}
	name := strings.TrimSuffix(base, Suffix)
	if ValidateName(name) != nil {
		return "", false
	}
	return name, true
}

// NameForDocument derives a task name from a source document path:
// the base name with its extension removed.
func NameForDocument(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ValidateName rejects names that cannot map to a record file safely.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("task name is empty")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("task name %q begins with a dot", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("task name %q contains a path separator", name)
	}
	return nil
}
