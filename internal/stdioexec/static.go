package stdioexec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/mywar5/VCPToolBox/internal/manifest"
)

// ExecuteStatic runs a static plugin's refresh command for the static
// refresher. Unlike Execute, there is no stdin payload and no
// {status,result} JSON envelope: the refresher treats the entire
// captured stdout, trimmed, as the new placeholder value. A non-zero
// exit is not itself an error as long as the process produced output
// within the deadline; an empty result is reported as such so the
// refresher's staleness rule can decide what to do with it.
func (e *Executor) ExecuteStatic(ctx context.Context, m manifest.Manifest, timeout time.Duration) (string, error) {
	argv := strings.Fields(m.EntryPoint.Command)
	if len(argv) == 0 {
		return "", &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "empty entry point command"}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = 500 * time.Millisecond
	cmd.Dir = m.BasePath
	cmd.Env = e.buildEnv(m, "")

	var stdout, stderr boundedBuffer
	stdout.limit = e.maxOutputBytes
	stderr.limit = e.maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return "", &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "failed to start refresh subprocess", Cause: err}
	}
	err := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", &ExecError{Kind: ErrTimeout, Plugin: m.Name, Message: "static refresh exceeded its deadline", StderrTail: stderr.Tail()}
	}
	if stdout.Overflowed() {
		return "", &ExecError{Kind: ErrOversizedOutput, Plugin: m.Name, Message: "refresh stdout exceeded the buffer limit", StderrTail: stderr.Tail()}
	}
	out := string(bytes.TrimSpace(stdout.Bytes()))
	if err != nil && out == "" {
		return "", &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "refresh subprocess exited with an error", StderrTail: stderr.Tail(), Cause: err}
	}

	return out, nil
}
