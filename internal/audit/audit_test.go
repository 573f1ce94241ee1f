package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerAppendsJSONLinesUnderWorkspaceMetadata(t *testing.T) {
	home := t.TempDir()
	l := NewLogger(home)

	l.Record("ws1", Entry{Action: "workspace.create", Detail: map[string]string{"codex": "api_key"}})
	l.Record("ws1", Entry{Action: "executor.run", Detail: map[string]string{"ok": "true"}})

	path := filepath.Join(home, "ws1", "vibe80_workspace", "metadata", "audit.log")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit.log: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected audit.log mode 0600, got %v", info.Mode().Perm())
	}

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, decoded)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d: %+v", len(lines), lines)
	}
	if lines[0]["action"] != "workspace.create" {
		t.Fatalf("unexpected first entry: %+v", lines[0])
	}
	if _, ok := lines[0]["ts"]; !ok {
		t.Fatalf("expected a ts field to be stamped, got %+v", lines[0])
	}
}

func TestLoggerKeepsWorkspacesInSeparateLogs(t *testing.T) {
	home := t.TempDir()
	l := NewLogger(home)

	l.Record("ws1", Entry{Action: "workspace.create"})
	l.Record("ws2", Entry{Action: "workspace.create"})

	if _, err := os.Stat(filepath.Join(home, "ws1", "vibe80_workspace", "metadata", "audit.log")); err != nil {
		t.Fatalf("expected ws1 audit.log: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "ws2", "vibe80_workspace", "metadata", "audit.log")); err != nil {
		t.Fatalf("expected ws2 audit.log: %v", err)
	}
}

func TestNopSinkDiscardsEntries(t *testing.T) {
	var s Sink = NopSink{}
	s.Record("ws1", Entry{Action: "workspace.create"})
}
