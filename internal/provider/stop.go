package provider

import (
	"syscall"
	"time"

	"github.com/vibe80/orchestrator/internal/executor"
)

// stopHandle sends SIGTERM, waits up to timeout for exit, and escalates
// to SIGKILL (spec §4.6). Safe to call more than once (idempotent).
func stopHandle(h *executor.StreamHandle, force bool, timeout time.Duration, alreadyDone <-chan struct{}) {
	select {
	case <-alreadyDone:
		return
	default:
	}

	if !force {
		_ = h.Signal(syscall.SIGTERM)
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		select {
		case <-alreadyDone:
			return
		case <-time.After(timeout):
		}
	}

	select {
	case <-alreadyDone:
		return
	default:
		_ = h.Kill()
	}
}
