package stdioexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
)

// FileFetcher fetches a file's bytes over the distributed channel of the
// session that originated a request, for the FILE_NOT_FOUND_LOCALLY
// retry. It is implemented by the distributed registry and injected
// after construction, so that neither package needs to reach inside the
// other's state.
type FileFetcher interface {
	FetchFileAsDataURI(ctx context.Context, origin, fileURL string) (string, error)
}

// EnvOverlay carries the well-known environment keys the executor
// overlays onto every subprocess's environment.
type EnvOverlay struct {
	ProjectRootPath   string
	ServerPort        string
	ImageServerSecret string
}

// Executor runs stdio plugin invocations. One Executor is shared by
// every call; it holds no per-call state itself.
type Executor struct {
	store   *manifest.Store
	fetcher FileFetcher
	overlay EnvOverlay

	defaultSyncTimeout  time.Duration
	defaultAsyncTimeout time.Duration
	maxOutputBytes      int

	log zerolog.Logger
}

// New creates an Executor. fetcher may be nil until the distributed
// registry is wired in; FILE_NOT_FOUND_LOCALLY retries simply fail with
// the original error in that case.
func New(store *manifest.Store, fetcher FileFetcher, overlay EnvOverlay, defaultSyncTimeout, defaultAsyncTimeout time.Duration, maxOutputBytes int) *Executor {
	return &Executor{
		store:               store,
		fetcher:             fetcher,
		overlay:             overlay,
		defaultSyncTimeout:  defaultSyncTimeout,
		defaultAsyncTimeout: defaultAsyncTimeout,
		maxOutputBytes:      maxOutputBytes,
		log:                 pluginlog.WithComponent("stdioexec"),
	}
}

// SetFetcher wires the distributed registry's file-fetch capability in
// after construction, breaking the manifest/executor <-> distributed
// registry construction cycle.
func (e *Executor) SetFetcher(f FileFetcher) { e.fetcher = f }

// Execute runs one invocation of pluginName. input is marshaled to JSON
// and delivered on the subprocess's stdin. requestOrigin identifies the
// caller's network origin, used both for the subprocess environment and
// as the key for a FILE_NOT_FOUND_LOCALLY retry fetch.
func (e *Executor) Execute(ctx context.Context, pluginName string, input interface{}, requestOrigin string) (interface{}, error) {
	m, ok := e.store.Get(pluginName)
	if !ok {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: pluginName, Message: "unknown plugin"}
	}
	if m.PluginType != manifest.TypeSynchronous && m.PluginType != manifest.TypeAsynchronous {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: pluginName, Message: "plugin is not a stdio-executable type"}
	}
	if m.Communication.Protocol != manifest.ProtocolStdio {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: pluginName, Message: "plugin does not use the stdio protocol"}
	}
	if strings.TrimSpace(m.EntryPoint.Command) == "" {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: pluginName, Message: "empty entry point command"}
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: pluginName, Message: "failed to marshal input", Cause: err}
	}

	result, execErr := e.run(ctx, m, payload, requestOrigin)
	if execErr == nil {
		return result, nil
	}

	if ee, ok := execErr.(*ExecError); ok && ee.Kind == ErrPluginReportedError && ee.PluginError != nil &&
		ee.PluginError.Code == "FILE_NOT_FOUND_LOCALLY" {
		return e.retryWithFetchedFile(ctx, m, input, requestOrigin, ee)
	}

	return nil, execErr
}

// retryWithFetchedFile performs the bounded, scoped retry: exactly one
// attempt, only for the FILE_NOT_FOUND_LOCALLY sentinel.
func (e *Executor) retryWithFetchedFile(ctx context.Context, m manifest.Manifest, input interface{}, origin string, original *ExecError) (interface{}, error) {
	if e.fetcher == nil {
		return nil, original
	}

	dataURI, fetchErr := e.fetcher.FetchFileAsDataURI(ctx, origin, original.PluginError.FileURL)
	if fetchErr != nil {
		return nil, &ExecError{
			Kind:        ErrFileNotFoundLocally,
			Plugin:      m.Name,
			Message:     "file fetch retry failed",
			Cause:       fetchErr,
			PluginError: original.PluginError,
		}
	}

	retryInput, err := substituteFetchedFile(input, original.PluginError.FailedParameter, dataURI)
	if err != nil {
		return nil, &ExecError{Kind: ErrFileNotFoundLocally, Plugin: m.Name, Message: "failed to rewrite input with fetched file", Cause: err}
	}

	payload, err := json.Marshal(retryInput)
	if err != nil {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "failed to marshal retry input", Cause: err}
	}

	result, execErr := e.run(ctx, m, payload, origin)
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// substituteFetchedFile removes the `<param>_url_N`-style failed
// parameter and installs a `<param>_base64_N` key carrying the fetched
// data URI in its place. The input is expected to be a JSON object
// (map[string]interface{} after a round trip); non-object inputs are
// returned unchanged since there is no named parameter to replace.
func substituteFetchedFile(input interface{}, failedParameter, dataURI string) (interface{}, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil || asMap == nil {
		// Not an object (a JSON null decodes to a nil map); nothing to
		// substitute.
		return input, nil
	}

	base64Key := strings.Replace(failedParameter, "_url_", "_base64_", 1)
	if base64Key == failedParameter {
		base64Key = failedParameter + "_base64"
	}
	delete(asMap, failedParameter)
	asMap[base64Key] = dataURI
	return asMap, nil
}

// run performs the actual subprocess spawn/write/read/timeout cycle for
// one invocation (no retry logic).
func (e *Executor) run(ctx context.Context, m manifest.Manifest, payload []byte, origin string) (interface{}, error) {
	timeout := e.timeoutFor(m)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := strings.Fields(m.EntryPoint.Command)
	if len(argv) == 0 {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "empty entry point command"}
	}

	var cmd *exec.Cmd
	if m.PluginType == manifest.TypeAsynchronous {
		// Not bound to runCtx: once acknowledged, the subprocess outlives
		// this call. awaitAsyncAck kills it itself if the deadline passes
		// before the ack.
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(runCtx, argv[0], argv[1:]...)
		// Bounds Wait after a timeout kill even when a grandchild process
		// still holds the stdout/stderr pipes open.
		cmd.WaitDelay = 500 * time.Millisecond
	}
	cmd.Dir = m.BasePath
	cmd.Env = e.buildEnv(m, origin)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "failed to open stdin pipe", Cause: err}
	}

	var stdout, stderr boundedBuffer
	stdout.limit = e.maxOutputBytes
	stderr.limit = e.maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &ExecError{Kind: ErrSpawnFailed, Plugin: m.Name, Message: "failed to start subprocess", Cause: err}
	}

	if _, err := stdin.Write(payload); err != nil {
		e.log.Warn().Err(err).Str("plugin", m.Name).Msg("failed to write stdin payload")
	}
	stdin.Close()

	switch m.PluginType {
	case manifest.TypeAsynchronous:
		return e.awaitAsyncAck(runCtx, cmd, &stdout, &stderr, m)
	default:
		return e.awaitSyncExit(runCtx, cmd, &stdout, &stderr, m)
	}
}

// awaitSyncExit waits for the process to exit, then parses the entire
// accumulated stdout as the one required JSON object. An exit code of 0
// with no valid JSON is still an error; a non-zero exit with a valid
// success JSON is trusted as success but logged.
func (e *Executor) awaitSyncExit(ctx context.Context, cmd *exec.Cmd, stdout, stderr *boundedBuffer, m manifest.Manifest) (interface{}, error) {
	err := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &ExecError{Kind: ErrTimeout, Plugin: m.Name, Message: "synchronous call exceeded its deadline", StderrTail: stderr.Tail()}
	}
	if stdout.Overflowed() {
		return nil, &ExecError{Kind: ErrOversizedOutput, Plugin: m.Name, Message: "stdout exceeded the buffer limit", StderrTail: stderr.Tail()}
	}

	var payload PluginPayload
	parseErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &payload)
	if parseErr != nil || payload.Status == "" {
		return nil, &ExecError{
			Kind:       ErrMalformedOutput,
			Plugin:     m.Name,
			Message:    "exit with no valid JSON result object",
			StderrTail: stderr.Tail(),
			Cause:      parseErr,
		}
	}

	if err != nil {
		e.log.Info().Err(err).Str("plugin", m.Name).Msg("subprocess exited non-zero but emitted a valid result; trusting it")
	}

	if payload.Status == "error" {
		return nil, &ExecError{Kind: ErrPluginReportedError, Plugin: m.Name, Message: payload.Error, StderrTail: stderr.Tail(), PluginError: &payload}
	}

	return payload.Result, nil
}

// awaitAsyncAck resolves as soon as the first complete top-level JSON
// object appears on stdout, then lets the subprocess keep running
// unsupervised; it is expected to report later progress through its
// callback URL on its own responsibility.
func (e *Executor) awaitAsyncAck(ctx context.Context, cmd *exec.Cmd, stdout, stderr *boundedBuffer, m manifest.Manifest) (interface{}, error) {
	type ackResult struct {
		payload PluginPayload
		err     error
	}
	acked := make(chan ackResult, 1)
	exited := make(chan error, 1)
	stop := make(chan struct{})

	go func() {
		defer close(exited)
		exited <- cmd.Wait()
	}()

	go func() {
		scanner := jsonObjectScanner{}
		processed := 0
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			snapshot := stdout.Snapshot()
			if scanner.feed(snapshot, processed) {
				var payload PluginPayload
				if err := json.Unmarshal(snapshot[scanner.start:scanner.end], &payload); err != nil {
					acked <- ackResult{err: &ExecError{Kind: ErrMalformedOutput, Plugin: m.Name, Message: "ack object failed to parse", Cause: err}}
					return
				}
				acked <- ackResult{payload: payload}
				return
			}
			processed = len(snapshot)
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case r := <-acked:
		close(stop)
		// The subprocess is intentionally left running; its exit is
		// reaped in the background so it never becomes a zombie, but its
		// outcome is not observed by this call.
		go func() { <-exited }()
		if r.err != nil {
			return nil, r.err
		}
		if r.payload.Status == "error" {
			return nil, &ExecError{Kind: ErrPluginReportedError, Plugin: m.Name, Message: r.payload.Error, StderrTail: stderr.Tail(), PluginError: &r.payload}
		}
		return r.payload.Result, nil

	case err := <-exited:
		close(stop)
		if stdout.Overflowed() {
			return nil, &ExecError{Kind: ErrOversizedOutput, Plugin: m.Name, Message: "stdout exceeded the buffer limit", StderrTail: stderr.Tail()}
		}
		var payload PluginPayload
		snapshot := stdout.Snapshot()
		var scanner jsonObjectScanner
		if scanner.feed(snapshot, 0) {
			if jsonErr := json.Unmarshal(snapshot[scanner.start:scanner.end], &payload); jsonErr == nil && payload.Status != "" {
				if payload.Status == "error" {
					return nil, &ExecError{Kind: ErrPluginReportedError, Plugin: m.Name, Message: payload.Error, StderrTail: stderr.Tail(), PluginError: &payload}
				}
				return payload.Result, nil
			}
		}
		return nil, &ExecError{Kind: ErrMalformedOutput, Plugin: m.Name, Message: "process exited without acknowledging", StderrTail: stderr.Tail(), Cause: err}

	case <-ctx.Done():
		close(stop)
		_ = cmd.Process.Kill()
		go func() { <-exited }()
		return nil, &ExecError{Kind: ErrTimeout, Plugin: m.Name, Message: "asynchronous call timed out before acknowledgement", StderrTail: stderr.Tail()}
	}
}

func (e *Executor) timeoutFor(m manifest.Manifest) time.Duration {
	if m.Communication.TimeoutMs > 0 {
		return time.Duration(m.Communication.TimeoutMs) * time.Millisecond
	}
	if m.PluginType == manifest.TypeAsynchronous {
		return e.defaultAsyncTimeout
	}
	return e.defaultSyncTimeout
}

// buildEnv overlays the effective plugin config and the runtime's
// well-known keys onto the current process environment.
func (e *Executor) buildEnv(m manifest.Manifest, origin string) []string {
	env := os.Environ()

	for k, v := range e.store.EffectiveConfigMap(m) {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	if e.overlay.ProjectRootPath != "" {
		env = append(env, "PROJECT_BASE_PATH="+e.overlay.ProjectRootPath)
	}
	if e.overlay.ServerPort != "" {
		env = append(env, "SERVER_PORT="+e.overlay.ServerPort)
	}
	if e.overlay.ImageServerSecret != "" {
		env = append(env, "IMAGESERVER_IMAGE_KEY="+e.overlay.ImageServerSecret)
	}
	env = append(env, "PYTHONIOENCODING=utf-8")
	if origin != "" {
		env = append(env, "CALLER_ORIGIN="+origin)
	}

	if m.PluginType == manifest.TypeAsynchronous {
		env = append(env, "PLUGIN_NAME="+m.Name)
		if e.overlay.ServerPort != "" {
			env = append(env, "CALLBACK_BASE_URL=http://127.0.0.1:"+e.overlay.ServerPort+"/plugin-callback/"+m.Name)
		}
	}

	return env
}

// boundedBuffer is an io.Writer that caps total bytes written, flagging
// overflow rather than growing without bound. Overflow surfaces as an
// oversized-output error on the call.
type boundedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		remaining := b.limit - b.buf.Len()
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		b.overflowed = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Snapshot returns a point-in-time copy of the bytes accumulated so far,
// safe to read from the async-ack poller while the subprocess's stdout
// pipe is still being written to concurrently.
func (b *boundedBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

func (b *boundedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

func (b *boundedBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	const maxTail = 2048
	if len(s) > maxTail {
		return s[len(s)-maxTail:]
	}
	return s
}
