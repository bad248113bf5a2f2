package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecode_JSON(t *testing.T) {
	data := []byte(`{
  "pdf": "report-2023.pdf",
  "created_at": "2026-01-02T03:04:05Z",
  "claimed_by": "host-a1b2c3d4",
  "claimed_at": "2026-01-02T03:10:00Z",
  "heartbeat_at": "",
  "lease_expires_at": "2026-01-02T03:40:00Z",
  "completed_at": "",
  "error": ""
}`)
	r, enc, ok := Decode(data)
	if !ok || enc != EncodingJSON {
		t.Fatalf("expected json decode, got enc=%q ok=%v", enc, ok)
	}
	if r.PDF != "report-2023.pdf" || r.ClaimedBy != "host-a1b2c3d4" {
		t.Fatalf("unexpected fields: %+v", r)
	}
}

func TestDecode_JSONUnknownKeysIgnored(t *testing.T) {
	data := []byte(`{"pdf":"a.pdf","status":"processing","priority":"high"}`)
	r, enc, ok := Decode(data)
	if !ok || enc != EncodingJSON {
		t.Fatalf("expected json decode, got enc=%q ok=%v", enc, ok)
	}
	if r.PDF != "a.pdf" {
		t.Fatalf("expected pdf=a.pdf, got %q", r.PDF)
	}
}

func TestDecode_Flat(t *testing.T) {
	data := []byte("# queued by legacy tooling\npdf=scan-042.pdf\ncreated_at=2025-11-30T10:00:00Z\nclaimed_by=oldhost\n\nbogus_key=x\n")
	r, enc, ok := Decode(data)
	if !ok || enc != EncodingFlat {
		t.Fatalf("expected flat decode, got enc=%q ok=%v", enc, ok)
	}
	if r.PDF != "scan-042.pdf" || r.ClaimedBy != "oldhost" {
		t.Fatalf("unexpected fields: %+v", r)
	}
	if r.Error != "" {
		t.Fatalf("expected empty error, got %q", r.Error)
	}
}

func TestDecode_FlatUppercaseKeys(t *testing.T) {
	data := []byte("PDF=a.pdf\nCLAIMED_AT=2025-11-30T10:00:00Z\n")
	r, enc, ok := Decode(data)
	if !ok || enc != EncodingFlat {
		t.Fatalf("expected flat decode, got enc=%q ok=%v", enc, ok)
	}
	if r.PDF != "a.pdf" || r.ClaimedAt != "2025-11-30T10:00:00Z" {
		t.Fatalf("unexpected fields: %+v", r)
	}
}

func TestDecode_CorruptYieldsZero(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("   \n\t"),
		[]byte("{not json"),
		[]byte("no equals signs here\njust prose\n"),
	}
	for _, data := range cases {
		r, _, ok := Decode(data)
		if ok {
			t.Fatalf("expected decode failure for %q", data)
		}
		if r != (Record{}) {
			t.Fatalf("expected zero record for %q, got %+v", data, r)
		}
		// The read contract: field access on the zero record is empty, not a panic.
		if r.Field(KeyClaimedBy) != "" {
			t.Fatalf("expected empty field on zero record")
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	r, enc, ok := Load(filepath.Join(t.TempDir(), "absent.task"))
	if ok || enc != EncodingUnknown || r != (Record{}) {
		t.Fatalf("expected zero record for missing file, got %+v ok=%v", r, ok)
	}
}

func TestWrite_UpgradesLegacyEncoding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan-042.task")
	legacy := "pdf=scan-042.pdf\ncreated_at=2025-11-30T10:00:00Z\n"
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	r, enc, ok := Load(path)
	if !ok || enc != EncodingFlat {
		t.Fatalf("expected flat load, got enc=%q ok=%v", enc, ok)
	}
	r.ClaimedBy = "host-x"
	if err := Write(path, r); err != nil {
		t.Fatalf("write: %v", err)
	}

	r2, enc2, ok2 := Load(path)
	if !ok2 || enc2 != EncodingJSON {
		t.Fatalf("expected json after rewrite, got enc=%q ok=%v", enc2, ok2)
	}
	if r2.PDF != "scan-042.pdf" || r2.ClaimedBy != "host-x" {
		t.Fatalf("fields lost across upgrade: %+v", r2)
	}
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.task")
	if err := Write(path, Record{PDF: "a.pdf"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFieldAccessors(t *testing.T) {
	var r Record
	for _, key := range Keys {
		if !r.SetField(key, "v-"+key) {
			t.Fatalf("SetField rejected known key %q", key)
		}
		if got := r.Field(key); got != "v-"+key {
			t.Fatalf("Field(%q) = %q", key, got)
		}
	}
	if r.SetField("status", "x") {
		t.Fatalf("SetField accepted unknown key")
	}
	if got := r.Field("status"); got != "" {
		t.Fatalf("unknown key yielded %q", got)
	}
}

func TestClearOwnership(t *testing.T) {
	r := Record{
		PDF:            "a.pdf",
		CreatedAt:      "2026-01-01T00:00:00Z",
		ClaimedBy:      "host-x",
		ClaimedAt:      "2026-01-01T01:00:00Z",
		HeartbeatAt:    "2026-01-01T01:05:00Z",
		LeaseExpiresAt: "2026-01-01T01:30:00Z",
	}
	r.ClearOwnership()
	if r.ClaimedBy != "" || r.ClaimedAt != "" || r.HeartbeatAt != "" || r.LeaseExpiresAt != "" {
		t.Fatalf("ownership fields survived clear: %+v", r)
	}
	if r.PDF != "a.pdf" || r.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("registration fields clobbered: %+v", r)
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := ParseTime(""); ok {
		t.Fatalf("empty should not parse")
	}
	if _, ok := ParseTime("yesterday-ish"); ok {
		t.Fatalf("garbage should not parse")
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got, ok := ParseTime("2026-01-02T03:04:05Z")
	if !ok || !got.Equal(want) {
		t.Fatalf("ParseTime = %v ok=%v", got, ok)
	}
	// Nano precision is accepted too.
	if _, ok := ParseTime("2026-01-02T03:04:05.123456789Z"); !ok {
		t.Fatalf("nano timestamp should parse")
	}
}

func TestNameMapping(t *testing.T) {
	if got := FileName("report-2023"); got != "report-2023.task" {
		t.Fatalf("FileName = %q", got)
	}
	name, ok := NameFromFile("report-2023.task")
	if !ok || name != "report-2023" {
		t.Fatalf("NameFromFile = %q ok=%v", name, ok)
	}
	for _, bad := range []string{"report.txt", ".hidden.task", ".task"} {
		if _, ok := NameFromFile(bad); ok {
			t.Fatalf("NameFromFile accepted %q", bad)
		}
	}
}

func TestNameForDocument(t *testing.T) {
	cases := map[string]string{
		"/data/inbox/report-2023.pdf": "report-2023",
		"scan.042.PDF":                "scan.042",
		"plain":                       "plain",
	}
	for in, want := range cases {
		if got := NameForDocument(in); got != want {
			t.Fatalf("NameForDocument(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, good := range []string{"report-2023", "scan.042", "a b c"} {
		if err := ValidateName(good); err != nil {
			t.Fatalf("ValidateName(%q) = %v", good, err)
		}
	}
	for _, bad := range []string{"", ".hidden", "a/b", `a\b`, "nul\x00byte"} {
		if err := ValidateName(bad); err == nil {
			t.Fatalf("ValidateName(%q) accepted", bad)
		}
	}
}
