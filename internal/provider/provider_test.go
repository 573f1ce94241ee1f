package provider

import (
	"testing"
	"time"
)

func TestTurnTrackerBusyIffActiveTurnsNonEmpty(t *testing.T) {
	tt := newTurnTracker()
	if tt.isBusy() {
		t.Fatalf("fresh tracker should be idle")
	}

	tt.startTurn("t1")
	if !tt.isBusy() {
		t.Fatalf("expected busy after startTurn")
	}
	if tt.Status() != StatusBusy {
		t.Fatalf("expected status busy, got %v", tt.Status())
	}

	tt.startTurn("t2")
	tt.endTurn("t1")
	if !tt.isBusy() {
		t.Fatalf("expected still busy with t2 active")
	}

	tt.endTurn("t2")
	if tt.isBusy() {
		t.Fatalf("expected idle once all turns end")
	}
	if tt.Status() != StatusIdle {
		t.Fatalf("expected status idle, got %v", tt.Status())
	}
}

func TestTurnTrackerRequestRestartFiresOnlyWhenIdle(t *testing.T) {
	tt := newTurnTracker()
	fired := make(chan struct{}, 1)
	tt.onIdleRestart = func() { fired <- struct{}{} }

	tt.startTurn("t1")
	tt.requestRestart()
	select {
	case <-fired:
		t.Fatalf("restart should not fire while a turn is active")
	case <-time.After(10 * time.Millisecond):
	}

	tt.endTurn("t1")
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("restart should fire once the active turn ends")
	}
}

func TestTurnTrackerRequestRestartFiresImmediatelyWhenAlreadyIdle(t *testing.T) {
	tt := newTurnTracker()
	fired := make(chan struct{}, 1)
	tt.onIdleRestart = func() { fired <- struct{}{} }

	tt.requestRestart()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("restart should fire immediately when already idle")
	}
}

func TestExtractAssistantMessageConcatenatesTextAndCollectsToolUses(t *testing.T) {
	envelope := map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": "Let me check "},
				map[string]interface{}{"type": "tool_use", "id": "tu_1", "name": "Bash"},
				map[string]interface{}{"type": "text", "text": "the status."},
			},
		},
	}

	text, toolUses := extractAssistantMessage(envelope)
	if text != "Let me check the status." {
		t.Fatalf("unexpected concatenated text: %q", text)
	}
	if toolUses["tu_1"] != "Bash" {
		t.Fatalf("expected tool_use tu_1 -> Bash, got %v", toolUses)
	}
}

func TestExtractAssistantMessageHandlesNoToolUses(t *testing.T) {
	envelope := map[string]interface{}{
		"message": map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": "hello"},
			},
		},
	}
	text, toolUses := extractAssistantMessage(envelope)
	if text != "hello" {
		t.Fatalf("unexpected text: %q", text)
	}
	if len(toolUses) != 0 {
		t.Fatalf("expected no tool uses, got %v", toolUses)
	}
}

func TestClaudeSupervisorBuildArgsIncludesWebSearchOnlyWhenEnabled(t *testing.T) {
	base := StartupParams{
		WritableRoots: []string{"/work/repo", "/work/tmp"},
		SystemPrompt:  "be terse",
	}

	withoutSearch := &ClaudeSupervisor{params: base}
	args := withoutSearch.buildArgs()
	if containsPair(args, "--allowed-tools", "Bash(git:*),WebSearch") {
		t.Fatalf("web search should not be allowed by default: %v", args)
	}
	if !containsPair(args, "--allowed-tools", "Bash(git:*)") {
		t.Fatalf("expected bash tool allowance: %v", args)
	}
	if !containsPair(args, "--add-dir", "/work/repo") {
		t.Fatalf("expected --add-dir for every writable root: %v", args)
	}
	if !containsPair(args, "--append-system-prompt", "be terse") {
		t.Fatalf("expected system prompt flag: %v", args)
	}

	withSearch := &ClaudeSupervisor{params: base, allowWebSearch: true}
	args = withSearch.buildArgs()
	if !containsPair(args, "--allowed-tools", "Bash(git:*),WebSearch") {
		t.Fatalf("expected WebSearch in allowed tools: %v", args)
	}
}

func TestClaudeSupervisorSetDefaultModelAffectsNextBuildArgs(t *testing.T) {
	c := &ClaudeSupervisor{params: StartupParams{}}
	if containsPair(c.buildArgs(), "--model", "opus") {
		t.Fatalf("expected no --model flag before SetDefaultModel is called")
	}

	if err := c.SetDefaultModel("opus", "high"); err != nil {
		t.Fatalf("SetDefaultModel: %v", err)
	}
	if !containsPair(c.buildArgs(), "--model", "opus") {
		t.Fatalf("expected --model opus after SetDefaultModel, got %v", c.buildArgs())
	}
}

func TestClaudeSupervisorInterruptTurnIsUnsupported(t *testing.T) {
	c := &ClaudeSupervisor{turnTracker: newTurnTracker()}
	err := c.InterruptTurn("whatever")
	if _, ok := err.(ErrInterruptUnsupported); !ok {
		t.Fatalf("expected ErrInterruptUnsupported, got %v", err)
	}
}

func TestClaudeSupervisorSendTurnRejectsWhenBusy(t *testing.T) {
	c := &ClaudeSupervisor{turnTracker: newTurnTracker()}
	c.startTurn("in-flight")
	if _, err := c.SendTurn(nil, "hello"); err == nil {
		t.Fatalf("expected error sending a turn while one is already active")
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
