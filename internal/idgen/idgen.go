// Package idgen generates the identifier formats used throughout the
// data model: workspace ids (w + 24 hex), session ids (s + 24 hex), and
// 16-hex worktree ids, plus opaque tokens and turn ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	workspaceIDPattern = regexp.MustCompile(`^w[0-9a-f]{24}$`)
	sessionIDPattern   = regexp.MustCompile(`^s[0-9a-f]{24}$`)
	worktreeIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable; panicking here matches the
		// teacher's treatment of rand.Read failures in auth/session.go,
		// which surfaces the error instead of silently minting a weak id.
		panic(fmt.Sprintf("idgen: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Workspace mints a new workspace id: "w" + 24 hex characters.
func Workspace() string {
	return "w" + randomHex(12)
}

// IsWorkspace reports whether s matches the workspace id format.
func IsWorkspace(s string) bool { return workspaceIDPattern.MatchString(s) }

// Session mints a new session id: "s" + 24 hex characters.
func Session() string {
	return "s" + randomHex(12)
}

// IsSession reports whether s matches the session id format.
func IsSession(s string) bool { return sessionIDPattern.MatchString(s) }

// Worktree mints a new 16-hex worktree id. "main" is reserved and never
// returned by this function.
func Worktree() string {
	return randomHex(8)
}

// IsWorktree reports whether s matches the worktree id format (16 hex
// characters) or is the reserved "main" id.
func IsWorktree(s string) bool {
	return s == "main" || worktreeIDPattern.MatchString(s)
}

// Token mints a 32-byte random hex token, used for workspace secrets,
// refresh tokens, and handoff tokens.
func Token() string {
	return randomHex(32)
}

// UUID mints a random UUID string, used for message ids and turn ids
// where global uniqueness (not a specific format) is all that matters.
func UUID() string {
	return uuid.NewString()
}
