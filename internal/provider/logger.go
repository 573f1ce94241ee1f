package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ProcessLogger is the optional wire-level logger gated by
// ACTIVATE_PROVIDER_LOG (spec §4.6): every stdin/stdout/stderr line is
// appended to <logdir>/<provider>_<sessionId>_<worktreeId>.log with a
// direction prefix. It never logs secrets — callers pass already-framed
// wire bytes, not raw credentials.
type ProcessLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewProcessLogger opens (creating if necessary) the log file for a
// provider/session/worktree triple.
func NewProcessLogger(logDir, provider, sessionID, worktreeID string) (*ProcessLogger, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("provider logger: create log dir: %w", err)
	}
	path := filepath.Join(logDir, fmt.Sprintf("%s_%s_%s.log", provider, sessionID, worktreeID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("provider logger: open log file: %w", err)
	}
	return &ProcessLogger{file: f}, nil
}

func (l *ProcessLogger) write(prefix string, line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write([]byte(prefix))
	_, _ = l.file.Write(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		_, _ = l.file.Write([]byte("\n"))
	}
}

// LogStdin logs an outgoing line.
func (l *ProcessLogger) LogStdin(line []byte) { l.write("IN::", line) }

// LogStdout logs an incoming stdout line.
func (l *ProcessLogger) LogStdout(line []byte) { l.write("OUT::", line) }

// LogStderr logs an incoming stderr line.
func (l *ProcessLogger) LogStderr(line []byte) { l.write("ERR::", line) }

// Close closes the underlying log file.
func (l *ProcessLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
