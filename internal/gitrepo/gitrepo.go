// Package gitrepo implements the Git Orchestrator contract (spec
// §4.5): every git invocation is delegated through the Sandboxed
// Executor (C1), never spawned directly.
//
// Grounded on the teacher's internal/server/git.go (status/diff/file
// handlers, porcelain parsing, path/ref sanitization), generalized from
// a single devcontainer-exec wrapper to the full clone/worktree/
// merge/diff/status/commits surface spec §4.5 requires, and from
// `docker exec` framing to the privileged-helper framing of
// internal/executor.
package gitrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vibe80/orchestrator/internal/executor"
)

// Orchestrator runs git commands for a single workspace through its
// Sandboxed Executor.
type Orchestrator struct {
	exec        *executor.Executor
	workspaceID string
}

// New builds an Orchestrator bound to a workspace's executor identity.
func New(exec *executor.Executor, workspaceID string) *Orchestrator {
	return &Orchestrator{exec: exec, workspaceID: workspaceID}
}

func (o *Orchestrator) run(ctx context.Context, cwd string, sandbox executor.Sandbox, args ...string) (string, string, error) {
	res, err := o.exec.Run(ctx, o.workspaceID, append([]string{"git"}, args...), executor.Opts{
		Cwd:     cwd,
		Sandbox: sandbox,
	})
	if err != nil {
		return "", "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	if res.Exit != 0 {
		return string(res.Stdout), string(res.Stderr), fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), res.Exit, strings.TrimSpace(string(res.Stderr)))
	}
	return string(res.Stdout), string(res.Stderr), nil
}

// CloneOptions configures Clone.
type CloneOptions struct {
	RepoURL    string
	RepoDir    string
	AuthorName string
	AuthorEmail string
	Sandbox    executor.Sandbox
}

// Clone clones repoURL into repoDir and configures the default author
// identity (spec §4.5).
func (o *Orchestrator) Clone(ctx context.Context, opts CloneOptions) error {
	if _, _, err := o.run(ctx, "", opts.Sandbox, "clone", opts.RepoURL, opts.RepoDir); err != nil {
		return err
	}
	if opts.AuthorName != "" {
		if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "config", "user.name", opts.AuthorName); err != nil {
			return err
		}
	}
	if opts.AuthorEmail != "" {
		if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "config", "user.email", opts.AuthorEmail); err != nil {
			return err
		}
	}
	return nil
}

// MaterializeHTTPCredentials writes a session-scoped git-credentials
// file and points git at it via `git credential approve`-equivalent
// config, so HTTP auth never touches the process environment (spec §4.5).
func (o *Orchestrator) MaterializeHTTPCredentials(ctx context.Context, repoDir, credentialsFilePath, host, username, password string, sandbox executor.Sandbox) error {
	entry := fmt.Sprintf("https://%s:%s@%s\n", username, password, host)
	res, err := o.exec.Run(ctx, o.workspaceID, []string{"tee", credentialsFilePath}, executor.Opts{
		Cwd:        repoDir,
		InputBytes: []byte(entry),
		Sandbox:    sandbox,
	})
	if err != nil {
		return fmt.Errorf("write git-credentials file: %w", err)
	}
	if res.Exit != 0 {
		return fmt.Errorf("write git-credentials file: exit %d", res.Exit)
	}

	if _, _, err := o.run(ctx, repoDir, sandbox, "config", "credential.helper", "store --file="+credentialsFilePath); err != nil {
		return err
	}
	return nil
}

// MaterializeSSHCredentials writes an SSH private key into keyPath and
// seeds known_hosts for host via ssh-keyscan (spec §4.5).
func (o *Orchestrator) MaterializeSSHCredentials(ctx context.Context, keyPath, sshConfigPath, knownHostsPath, host, privateKey string, sandbox executor.Sandbox) error {
	if res, err := o.exec.Run(ctx, o.workspaceID, []string{"tee", keyPath}, executor.Opts{InputBytes: []byte(privateKey), Sandbox: sandbox}); err != nil || res.Exit != 0 {
		return fmt.Errorf("write ssh private key: %w", err)
	}
	if _, _, err := o.runBare(ctx, sandbox, "chmod", "600", keyPath); err != nil {
		return err
	}

	sshConfigEntry := fmt.Sprintf("Host %s\n  IdentityFile %s\n  IdentitiesOnly yes\n  UserKnownHostsFile %s\n", host, keyPath, knownHostsPath)
	if res, err := o.exec.Run(ctx, o.workspaceID, []string{"tee", "-a", sshConfigPath}, executor.Opts{InputBytes: []byte(sshConfigEntry), Sandbox: sandbox}); err != nil || res.Exit != 0 {
		return fmt.Errorf("write ssh config: %w", err)
	}

	res, err := o.exec.Run(ctx, o.workspaceID, []string{"ssh-keyscan", host}, executor.Opts{Sandbox: sandbox})
	if err != nil {
		return fmt.Errorf("ssh-keyscan: %w", err)
	}
	if appendRes, err := o.exec.Run(ctx, o.workspaceID, []string{"tee", "-a", knownHostsPath}, executor.Opts{InputBytes: res.Stdout, Sandbox: sandbox}); err != nil || appendRes.Exit != 0 {
		return fmt.Errorf("seed known_hosts: %w", err)
	}
	return nil
}

func (o *Orchestrator) runBare(ctx context.Context, sandbox executor.Sandbox, argv ...string) (string, string, error) {
	res, err := o.exec.Run(ctx, o.workspaceID, argv, executor.Opts{Sandbox: sandbox})
	if err != nil {
		return "", "", err
	}
	if res.Exit != 0 {
		return string(res.Stdout), string(res.Stderr), fmt.Errorf("%s: exit %d: %s", strings.Join(argv, " "), res.Exit, strings.TrimSpace(string(res.Stderr)))
	}
	return string(res.Stdout), string(res.Stderr), nil
}

// RefResolution is the outcome of resolving a worktree's starting ref
// (spec §4.5: "explicit startingBranch -> origin/<b>; else parent
// worktree's HEAD; else session HEAD").
type RefResolution struct {
	StartingBranch string
	ParentHEAD     string
	SessionHEAD    string
}

// Resolve picks the effective starting ref in priority order.
func (r RefResolution) Resolve() string {
	if r.StartingBranch != "" {
		return "origin/" + r.StartingBranch
	}
	if r.ParentHEAD != "" {
		return r.ParentHEAD
	}
	return r.SessionHEAD
}

// WorktreeOptions configures CreateWorktree.
type WorktreeOptions struct {
	RepoDir      string
	WorktreePath string
	BranchName   string // caller-provided; empty means auto-generate wt-<id6>-<slug>
	WorktreeID   string
	Slug         string
	StartRef     RefResolution
	Sandbox      executor.Sandbox
}

// slugify keeps auto-generated branch names shell-safe and
// git-ref-safe.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "worktree"
	}
	return out
}

// branchName returns the effective branch for a new worktree.
func (opts WorktreeOptions) branchName() string {
	if opts.BranchName != "" {
		return opts.BranchName
	}
	id6 := opts.WorktreeID
	if len(id6) > 6 {
		id6 = id6[:6]
	}
	return fmt.Sprintf("wt-%s-%s", id6, slugify(opts.Slug))
}

// remoteBranchExists reports whether branch exists on origin.
func (o *Orchestrator) remoteBranchExists(ctx context.Context, repoDir, branch string, sandbox executor.Sandbox) bool {
	out, _, err := o.run(ctx, repoDir, sandbox, "ls-remote", "--heads", "origin", branch)
	return err == nil && strings.TrimSpace(out) != ""
}

// CreateWorktree resolves the starting ref, creates the branch (or uses
// the caller-provided branch if it exists remotely), wires its upstream
// so `git push` works without `-u`, and adds the worktree (spec §4.5).
func (o *Orchestrator) CreateWorktree(ctx context.Context, opts WorktreeOptions) (branch string, err error) {
	branch = opts.branchName()
	startRef := opts.StartRef.Resolve()

	if opts.BranchName != "" && o.remoteBranchExists(ctx, opts.RepoDir, opts.BranchName, opts.Sandbox) {
		if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "fetch", "origin", opts.BranchName); err != nil {
			return "", err
		}
		if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "worktree", "add", opts.WorktreePath, opts.BranchName); err != nil {
			return "", err
		}
		return branch, nil
	}

	if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "branch", branch, startRef); err != nil {
		return "", err
	}
	if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "config", fmt.Sprintf("branch.%s.remote", branch), "origin"); err != nil {
		return "", err
	}
	if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "config", fmt.Sprintf("branch.%s.merge", branch), "refs/heads/"+branch); err != nil {
		return "", err
	}
	if _, _, err := o.run(ctx, opts.RepoDir, opts.Sandbox, "worktree", "add", opts.WorktreePath, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// RemoveWorktree removes a worktree's checkout.
func (o *Orchestrator) RemoveWorktree(ctx context.Context, repoDir, worktreePath string, sandbox executor.Sandbox) error {
	_, _, err := o.run(ctx, repoDir, sandbox, "worktree", "remove", "--force", worktreePath)
	return err
}

// MergeResult reports whether a merge completed cleanly or left
// conflict markers.
type MergeResult struct {
	Conflicted    bool
	ConflictFiles []string
	Output        string
}

// Merge merges sourceBranch into the worktree at worktreePath.
func (o *Orchestrator) Merge(ctx context.Context, worktreePath, sourceBranch string, sandbox executor.Sandbox) (MergeResult, error) {
	out, stderr, err := o.run(ctx, worktreePath, sandbox, "merge", "--no-edit", sourceBranch)
	if err != nil {
		status, statusErr := o.Status(ctx, worktreePath, sandbox)
		if statusErr == nil && len(status.Conflicted) > 0 {
			return MergeResult{Conflicted: true, ConflictFiles: status.Conflicted, Output: out + stderr}, nil
		}
		return MergeResult{}, err
	}
	return MergeResult{Output: out}, nil
}

// AbortMerge resets an in-progress conflicted merge.
func (o *Orchestrator) AbortMerge(ctx context.Context, worktreePath string, sandbox executor.Sandbox) error {
	_, _, err := o.run(ctx, worktreePath, sandbox, "merge", "--abort")
	return err
}

// CherryPick cherry-picks commitish into the worktree at worktreePath.
func (o *Orchestrator) CherryPick(ctx context.Context, worktreePath, commitish string, sandbox executor.Sandbox) (MergeResult, error) {
	out, stderr, err := o.run(ctx, worktreePath, sandbox, "cherry-pick", commitish)
	if err != nil {
		status, statusErr := o.Status(ctx, worktreePath, sandbox)
		if statusErr == nil && len(status.Conflicted) > 0 {
			return MergeResult{Conflicted: true, ConflictFiles: status.Conflicted, Output: out + stderr}, nil
		}
		return MergeResult{}, err
	}
	return MergeResult{Output: out}, nil
}

// FileStatus is a single file's porcelain status (spec §4.5).
type FileStatus struct {
	Path    string
	Status  string
	OldPath string
}

// StatusResult groups files by staging state and flags merge conflicts.
type StatusResult struct {
	Staged     []FileStatus
	Unstaged   []FileStatus
	Untracked  []FileStatus
	Conflicted []string
}

// Status runs `git status --porcelain` and classifies the output,
// detecting merge conflicts by scanning for UU/AA entries (spec §4.5).
func (o *Orchestrator) Status(ctx context.Context, worktreePath string, sandbox executor.Sandbox) (StatusResult, error) {
	out, _, err := o.run(ctx, worktreePath, sandbox, "status", "--porcelain=v1")
	if err != nil {
		return StatusResult{}, err
	}
	return parseGitStatusPorcelain(out), nil
}

func parseGitStatusPorcelain(output string) StatusResult {
	result := StatusResult{Staged: []FileStatus{}, Unstaged: []FileStatus{}, Untracked: []FileStatus{}, Conflicted: []string{}}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		indexStatus, worktreeStatus := line[0], line[1]
		rest := line[3:]

		var path, oldPath string
		if i := strings.Index(rest, " -> "); i >= 0 {
			oldPath = strings.TrimSpace(rest[:i])
			path = strings.TrimSpace(rest[i+4:])
		} else {
			path = strings.TrimSpace(rest)
		}
		if path == "" {
			continue
		}

		code := string([]byte{indexStatus, worktreeStatus})
		if code == "UU" || code == "AA" || code == "DD" || code == "AU" || code == "UA" || code == "UD" || code == "DU" {
			result.Conflicted = append(result.Conflicted, path)
			continue
		}

		if indexStatus == '?' && worktreeStatus == '?' {
			result.Untracked = append(result.Untracked, FileStatus{Path: path, Status: "??"})
			continue
		}
		if indexStatus == '!' && worktreeStatus == '!' {
			continue
		}
		if indexStatus != ' ' && indexStatus != '?' {
			fs := FileStatus{Path: path, Status: string(indexStatus)}
			if oldPath != "" {
				fs.OldPath = oldPath
			}
			result.Staged = append(result.Staged, fs)
		}
		if worktreeStatus != ' ' && worktreeStatus != '?' {
			result.Unstaged = append(result.Unstaged, FileStatus{Path: path, Status: string(worktreeStatus)})
		}
	}
	return result
}

// Diff returns the unified diff for a single path.
func (o *Orchestrator) Diff(ctx context.Context, worktreePath, path string, staged bool, sandbox executor.Sandbox) (string, error) {
	if err := sanitizeFilePath(path); err != nil {
		return "", err
	}
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", path)
	out, _, err := o.run(ctx, worktreePath, sandbox, args...)
	return out, err
}

// Commit is a single log entry (spec §3/§4.5).
type Commit struct {
	SHA     string
	Author  string
	Date    string
	Subject string
}

// Commits returns the commit log for branch/ref, most-recent first.
func (o *Orchestrator) Commits(ctx context.Context, worktreePath, ref string, limit int, sandbox executor.Sandbox) ([]Commit, error) {
	if ref != "" {
		if err := sanitizeGitRef(ref); err != nil {
			return nil, err
		}
	}
	args := []string{"log", "--pretty=format:%H%x1f%an%x1f%ad%x1f%s", "--date=iso-strict"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", limit))
	}
	if ref != "" {
		args = append(args, ref)
	}
	out, _, err := o.run(ctx, worktreePath, sandbox, args...)
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
	}
	return commits, nil
}

func sanitizeFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains null byte")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute file paths are not allowed")
	}
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path traversal is not allowed")
		}
	}
	return nil
}

func sanitizeGitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("git ref is empty")
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '.' || r == '~' || r == '^':
		default:
			return fmt.Errorf("invalid character in git ref: %q", r)
		}
	}
	return nil
}
