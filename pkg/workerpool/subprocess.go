package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hydraorch/hydra/pkg/models"
)

// statusMarker and resultMarker are the two recognized line prefixes in the
// agent sub-process wire format: one status marker per line
// (`::hydra:status <value>`), one terminal line (`::hydra:result {json}`),
// free text otherwise is transcript.
const (
	statusMarker = "::hydra:status "
	resultMarker = "::hydra:result "
)

// agentResult is the terminal JSON line's shape.
type agentResult struct {
	Status string `json:"status"` // done, failed, escalated
	PR     *int   `json:"pr,omitempty"`
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// terminalResult is what subprocess execution resolves to, independent of
// how it got there (clean result line, crash, or timeout).
type terminalResult struct {
	Status models.WorkerStatus
	PR     *models.PRRef
	Branch string
	Cause  string
}

// subprocessSpawner is the seam mocked by tests so the Pool's admission and
// bookkeeping logic can be exercised without a real agent binary.
type subprocessSpawner interface {
	run(ctx context.Context, command string, in SpawnInput, onLine func(source, line string), onStatus func(models.WorkerStatus)) terminalResult
}

type execSpawner struct{}

func (execSpawner) run(ctx context.Context, command string, in SpawnInput, onLine func(source, line string), onStatus func(models.WorkerStatus)) terminalResult {
	cmd := exec.CommandContext(ctx, command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return terminalResult{Status: models.WorkerFailed, Cause: "agent-crash: " + err.Error()}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return terminalResult{Status: models.WorkerFailed, Cause: "agent-crash: " + err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return terminalResult{Status: models.WorkerFailed, Cause: "agent-crash: " + err.Error()}
	}

	payload, _ := json.Marshal(in)
	go func() {
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}()

	var final *agentResult
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, resultMarker):
			var r agentResult
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, resultMarker)), &r); err != nil {
				slog.Error("agent produced invalid result line", "error", err, "line", line)
				continue
			}
			final = &r
		case strings.HasPrefix(line, statusMarker):
			onStatus(models.WorkerStatus(strings.TrimSpace(strings.TrimPrefix(line, statusMarker))))
		default:
			onLine("stdout", line)
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		terminateGracefully(cmd)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return terminalResult{Status: models.WorkerFailed, Cause: "agent-timeout"}
		}
		// Context was cancelled explicitly — treat as a clean cancellation,
		// surfacing as failed so the issue re-enters HITL rather than
		// silently vanishing from the pipeline.
		return terminalResult{Status: models.WorkerFailed, Cause: "cancelled"}
	}

	if waitErr != nil {
		return terminalResult{Status: models.WorkerFailed, Cause: "agent-crash: " + waitErr.Error()}
	}

	if final == nil {
		return terminalResult{Status: models.WorkerFailed, Cause: "schema-violation: no result line"}
	}

	status := models.WorkerStatus(final.Status)
	if !status.IsTerminal() {
		return terminalResult{Status: models.WorkerFailed, Cause: "schema-violation: non-terminal result status " + final.Status}
	}

	var prRef *models.PRRef
	if final.PR != nil {
		prRef = &models.PRRef{Number: *final.PR, URL: final.URL}
	}
	return terminalResult{Status: status, PR: prRef, Branch: final.Branch, Cause: final.Cause}
}

// terminateGracefully sends SIGTERM and escalates to SIGKILL after the
// process's own grace period has elapsed, matching cmd.WaitDelay semantics
// on platforms that support it. exec.CommandContext already kills on ctx
// cancellation; this best-effort SIGTERM-first attempt gives the
// sub-process a chance to clean up (e.g. remove a lock file) before that
// kill lands.
func terminateGracefully(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)
}
