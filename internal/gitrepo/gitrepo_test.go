package gitrepo

import "testing"

func TestParseGitStatusPorcelainClassifiesEntries(t *testing.T) {
	out := "M  staged.txt\n M unstaged.txt\n?? untracked.txt\nUU conflict.txt\nR  old.txt -> new.txt\n"
	result := parseGitStatusPorcelain(out)

	if len(result.Staged) != 2 {
		t.Fatalf("expected 2 staged entries, got %+v", result.Staged)
	}
	if len(result.Unstaged) != 1 || result.Unstaged[0].Path != "unstaged.txt" {
		t.Fatalf("unexpected unstaged: %+v", result.Unstaged)
	}
	if len(result.Untracked) != 1 || result.Untracked[0].Path != "untracked.txt" {
		t.Fatalf("unexpected untracked: %+v", result.Untracked)
	}
	if len(result.Conflicted) != 1 || result.Conflicted[0] != "conflict.txt" {
		t.Fatalf("unexpected conflicted: %+v", result.Conflicted)
	}

	var renamed *FileStatus
	for _, f := range result.Staged {
		if f.Path == "new.txt" {
			renamed = &f
		}
	}
	if renamed == nil || renamed.OldPath != "old.txt" {
		t.Fatalf("expected rename to carry OldPath, got %+v", result.Staged)
	}
}

func TestParseGitStatusPorcelainSkipsIgnored(t *testing.T) {
	result := parseGitStatusPorcelain("!! ignored.txt\n")
	if len(result.Staged) != 0 || len(result.Unstaged) != 0 || len(result.Untracked) != 0 || len(result.Conflicted) != 0 {
		t.Fatalf("expected ignored entries to be skipped entirely, got %+v", result)
	}
}

func TestRefResolutionPriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		r    RefResolution
		want string
	}{
		{"explicit branch wins", RefResolution{StartingBranch: "feature", ParentHEAD: "abc", SessionHEAD: "def"}, "origin/feature"},
		{"falls back to parent head", RefResolution{ParentHEAD: "abc", SessionHEAD: "def"}, "abc"},
		{"falls back to session head", RefResolution{SessionHEAD: "def"}, "def"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.r.Resolve(); got != c.want {
				t.Fatalf("Resolve() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestWorktreeOptionsBranchNameGeneratesSlug(t *testing.T) {
	opts := WorktreeOptions{WorktreeID: "abcdef1234567890", Slug: "Fix The Bug!!"}
	got := opts.branchName()
	want := "wt-abcdef-fix-the-bug"
	if got != want {
		t.Fatalf("branchName() = %q, want %q", got, want)
	}
}

func TestWorktreeOptionsBranchNameUsesCallerProvided(t *testing.T) {
	opts := WorktreeOptions{BranchName: "my-custom-branch"}
	if got := opts.branchName(); got != "my-custom-branch" {
		t.Fatalf("branchName() = %q, want caller-provided value", got)
	}
}

func TestSanitizeFilePathRejectsTraversalAndAbsolute(t *testing.T) {
	cases := []string{"../etc/passwd", "/etc/passwd", "a/../../b"}
	for _, c := range cases {
		if err := sanitizeFilePath(c); err == nil {
			t.Errorf("expected sanitizeFilePath(%q) to fail", c)
		}
	}
	if err := sanitizeFilePath("src/main.go"); err != nil {
		t.Errorf("expected sanitizeFilePath to accept a relative path, got %v", err)
	}
}

func TestSanitizeGitRefRejectsShellMetacharacters(t *testing.T) {
	cases := []string{"main; rm -rf /", "HEAD$(whoami)", "`id`"}
	for _, c := range cases {
		if err := sanitizeGitRef(c); err == nil {
			t.Errorf("expected sanitizeGitRef(%q) to fail", c)
		}
	}
	if err := sanitizeGitRef("origin/main"); err != nil {
		t.Errorf("expected sanitizeGitRef to accept a normal ref, got %v", err)
	}
}
