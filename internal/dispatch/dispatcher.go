package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/distributed"
	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
	"github.com/mywar5/VCPToolBox/internal/stdioexec"
)

// Result is the normalized, JSON-shaped outcome of a tool call handed
// back to whatever surface invoked the dispatcher (admin HTTP, an
// internal caller, eventually a chat turn). Timestamp and Maid are
// dispatcher-added metadata, not part of the plugin's own output.
type Result struct {
	Data      interface{} `json:"result"`
	Timestamp string      `json:"timestamp"`
	Maid      string      `json:"maid,omitempty"`
}

// Dispatcher is the single entry point every tool call goes through: it
// resolves a tool name against the manifest store and routes the call
// to whichever component actually executes it: in-process service,
// local subprocess, or a remote node.
type Dispatcher struct {
	store          *manifest.Store
	exec           *stdioexec.Executor
	hub            *distributed.Hub
	defaultTimeout time.Duration
	log            zerolog.Logger
}

func New(store *manifest.Store, exec *stdioexec.Executor, hub *distributed.Hub, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:          store,
		exec:           exec,
		hub:            hub,
		defaultTimeout: defaultTimeout,
		log:            pluginlog.WithComponent("dispatch"),
	}
}

// Dispatch resolves toolName against the manifest store and executes
// it, normalizing both success and failure into JSON-shaped outcomes.
// requestOrigin identifies the caller for FILE_NOT_FOUND_LOCALLY
// retries and CALLER_ORIGIN env passthrough; maid is an optional
// caller-identity label echoed back verbatim in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args interface{}, requestOrigin, maid string) (*Result, error) {
	m, ok := d.store.Get(toolName)
	if !ok {
		return nil, dispatchError("plugin_execution_error", fmt.Sprintf("tool %q is not registered", toolName))
	}

	data, err := d.invoke(ctx, m, args, requestOrigin)
	if err != nil {
		return nil, d.normalizeError(toolName, err)
	}

	return &Result{
		Data:      data,
		Timestamp: time.Now().Format("2006-01-02T15:04:05Z07:00"),
		Maid:      maid,
	}, nil
}

func (d *Dispatcher) invoke(ctx context.Context, m manifest.Manifest, args interface{}, requestOrigin string) (interface{}, error) {
	switch m.PluginType {
	case manifest.TypeStatic, manifest.TypePreprocessor:
		return nil, fmt.Errorf("plugin %q is not directly invocable (type %s)", m.Name, m.PluginType)

	case manifest.TypeService, manifest.TypeHybrid:
		fn, ok := lookupService(m.Name)
		if !ok {
			return nil, fmt.Errorf("no in-process implementation registered for service plugin %q", m.Name)
		}
		return fn(args)

	default: // TypeSynchronous, TypeAsynchronous
		if m.IsDistributed {
			if d.hub == nil {
				return nil, fmt.Errorf("plugin %q is remote but no distributed hub is configured", m.Name)
			}
			timeout := d.timeoutFor(m)
			return d.hub.ExecuteDistributedTool(ctx, m.ServerID, m.Name, args, timeout)
		}
		result, err := d.exec.Execute(ctx, m.Name, args, requestOrigin)
		if err != nil {
			return nil, err
		}
		return normalizeStdioResult(result), nil
	}
}

func (d *Dispatcher) timeoutFor(m manifest.Manifest) time.Duration {
	if m.Communication.TimeoutMs > 0 {
		return time.Duration(m.Communication.TimeoutMs) * time.Millisecond
	}
	return d.defaultTimeout
}

// normalizeStdioResult applies the best-effort JSON-parse-with-fallback
// rule: a stdio plugin's successful result is often itself a JSON
// string (the plugin's own structured payload serialized as text); if
// it parses as a JSON value, that value is used, otherwise the raw
// string is wrapped so no plugin output is ever silently dropped.
func normalizeStdioResult(result interface{}) interface{} {
	s, ok := result.(string)
	if !ok {
		return result
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return parsed
	}
	return map[string]interface{}{"original_plugin_output": s}
}

// normalizeError maps every error kind the runtime distinguishes into
// the dispatcher's JSON error envelope. For a plugin's own well-formed
// {status:"error",...} payload, its error message and code are copied
// into a plugin_error wrapper; the payload's other fields are not
// forwarded. Everything else becomes a generic plugin_execution_error.
func (d *Dispatcher) normalizeError(toolName string, err error) error {
	var execErr *stdioexec.ExecError
	if asExecError(err, &execErr) {
		if execErr.Kind == stdioexec.ErrPluginReportedError && execErr.PluginError != nil {
			return dispatchErrorPayload(map[string]interface{}{
				"error":   "plugin_error",
				"plugin":  toolName,
				"code":    execErr.PluginError.Code,
				"message": execErr.PluginError.Error,
			})
		}
		return dispatchError("plugin_execution_error", execErr.Error())
	}
	return dispatchError("plugin_execution_error", err.Error())
}

func asExecError(err error, target **stdioexec.ExecError) bool {
	for err != nil {
		if e, ok := err.(*stdioexec.ExecError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func dispatchError(kind, message string) error {
	return dispatchErrorPayload(map[string]interface{}{"error": kind, "message": message})
}

// dispatchErrorPayload marshals a normalized error object to JSON and
// returns it as a plain error whose message IS that JSON document, so
// every error that bubbles out of the dispatcher is machine-parseable.
func dispatchErrorPayload(payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf(`{"error":"plugin_execution_error","message":"failed to encode error payload"}`)
	}
	return jsonError(b)
}

type jsonError []byte

func (e jsonError) Error() string { return string(e) }
