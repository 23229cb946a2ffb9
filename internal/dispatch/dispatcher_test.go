package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/stdioexec"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func writeStdioPlugin(t *testing.T, root, name, pluginType, command string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `{
		"name": "` + name + `",
		"pluginType": "` + pluginType + `",
		"entryPoint": "` + command + `"
	}`
	if err := os.WriteFile(filepath.Join(dir, "plugin-manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func newTestDispatcher(t *testing.T, root string) (*Dispatcher, *manifest.Store) {
	t.Helper()
	store := manifest.New(root)
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	exec := stdioexec.New(store, nil, stdioexec.EnvOverlay{}, 2*time.Second, 2*time.Second, 1<<20)
	d := New(store, exec, nil, 2*time.Second)
	return d, store
}

func TestDispatchSynchronousSuccess(t *testing.T) {
	root := t.TempDir()
	scriptDir := t.TempDir()
	script := writeScript(t, scriptDir, "ok.sh", `cat >/dev/null
echo '{"status":"success","result":{"echoed":true}}'
`)
	writeStdioPlugin(t, root, "okplugin", "synchronous", "sh "+script)

	d, _ := newTestDispatcher(t, root)
	result, err := d.Dispatch(context.Background(), "okplugin", map[string]string{"a": "b"}, "test-origin", "caller-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Maid != "caller-1" {
		t.Errorf("expected maid to be echoed back, got %q", result.Maid)
	}
	if result.Timestamp == "" {
		t.Error("expected a non-empty timestamp")
	}
	m, ok := result.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map data, got %T", result.Data)
	}
	if m["echoed"] != true {
		t.Errorf("expected echoed=true, got %v", m["echoed"])
	}
}

func TestDispatchUnknownToolReturnsNormalizedError(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDispatcher(t, root)

	_, err := d.Dispatch(context.Background(), "ghost", nil, "", "")
	assertNormalizedError(t, err, "plugin_execution_error")
}

func TestDispatchPluginReportedErrorForwardsVerbatim(t *testing.T) {
	root := t.TempDir()
	scriptDir := t.TempDir()
	script := writeScript(t, scriptDir, "fail.sh", `cat >/dev/null
echo '{"status":"error","error":"boom","code":"SOME_CODE"}'
`)
	writeStdioPlugin(t, root, "failplugin", "synchronous", "sh "+script)

	d, _ := newTestDispatcher(t, root)
	_, err := d.Dispatch(context.Background(), "failplugin", nil, "", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	var payload map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.Error()), &payload); jsonErr != nil {
		t.Fatalf("expected error message to be JSON, got %q: %v", err.Error(), jsonErr)
	}
	if payload["error"] != "plugin_error" {
		t.Errorf("expected error kind plugin_error, got %v", payload["error"])
	}
	if payload["message"] != "boom" {
		t.Errorf("expected plugin's own message to be forwarded, got %v", payload["message"])
	}
	if payload["code"] != "SOME_CODE" {
		t.Errorf("expected plugin's own code to be forwarded, got %v", payload["code"])
	}
}

func TestDispatchMalformedOutputBecomesExecutionError(t *testing.T) {
	root := t.TempDir()
	scriptDir := t.TempDir()
	script := writeScript(t, scriptDir, "bad.sh", `cat >/dev/null
echo 'not json'
`)
	writeStdioPlugin(t, root, "badplugin", "synchronous", "sh "+script)

	d, _ := newTestDispatcher(t, root)
	_, err := d.Dispatch(context.Background(), "badplugin", nil, "", "")
	assertNormalizedError(t, err, "plugin_execution_error")
}

func TestDispatchStaticPluginIsNotInvocable(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "staticplugin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `{"name":"staticplugin","pluginType":"static","entryPoint":"sh -c true"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin-manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	d, _ := newTestDispatcher(t, root)
	_, err := d.Dispatch(context.Background(), "staticplugin", nil, "", "")
	assertNormalizedError(t, err, "plugin_execution_error")
}

func TestDispatchServicePluginCallsRegisteredFunc(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "svc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `{"name":"svc","pluginType":"service","entryPoint":"in-process"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin-manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	RegisterService("svc", func(args interface{}) (interface{}, error) {
		return map[string]interface{}{"saw": args}, nil
	})

	d, _ := newTestDispatcher(t, root)
	result, err := d.Dispatch(context.Background(), "svc", "hello", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.Data.(map[string]interface{})
	if !ok || m["saw"] != "hello" {
		t.Fatalf("expected service func to be invoked with args, got %+v", result.Data)
	}
}

func TestNormalizeStdioResultParsesJSONString(t *testing.T) {
	got := normalizeStdioResult(`{"nested":true}`)
	m, ok := got.(map[string]interface{})
	if !ok || m["nested"] != true {
		t.Fatalf("expected parsed JSON object, got %+v", got)
	}
}

func TestNormalizeStdioResultWrapsPlainString(t *testing.T) {
	got := normalizeStdioResult("not json at all")
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected wrapped map, got %T", got)
	}
	if m["original_plugin_output"] != "not json at all" {
		t.Errorf("expected original output preserved, got %+v", m)
	}
}

func assertNormalizedError(t *testing.T, err error, expectedKind string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var payload map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.Error()), &payload); jsonErr != nil {
		t.Fatalf("expected error message to be JSON, got %q: %v", err.Error(), jsonErr)
	}
	if payload["error"] != expectedKind {
		t.Errorf("expected error kind %q, got %v", expectedKind, payload["error"])
	}
	if _, ok := payload["message"]; !ok {
		t.Error("expected a human-readable message field")
	}
}
