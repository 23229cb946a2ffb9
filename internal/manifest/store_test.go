package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writePlugin(t *testing.T, root, name, manifestJSON string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestReloadDiscoversPlugins(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echoer", `{
		"name": "echoer",
		"pluginType": "synchronous",
		"entryPoint": "echo hello",
		"communication": {"protocol": "stdio", "timeoutMs": 5000}
	}`)

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	m, ok := s.Get("echoer")
	if !ok {
		t.Fatal("expected echoer to be discovered")
	}
	if m.PluginType != TypeSynchronous {
		t.Errorf("expected synchronous, got %v", m.PluginType)
	}
	if m.Communication.TimeoutMs != 5000 {
		t.Errorf("expected timeout 5000, got %d", m.Communication.TimeoutMs)
	}
}

func TestDiscoverySkipsMissingRequiredFields(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "broken", `{"name": "broken"}`)
	writePlugin(t, root, "good", `{
		"name": "good",
		"pluginType": "synchronous",
		"entryPoint": "echo hi"
	}`)

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := s.Get("broken"); ok {
		t.Error("expected broken plugin to be skipped")
	}
	if _, ok := s.Get("good"); !ok {
		t.Error("expected good plugin to be discovered despite a broken sibling")
	}
}

func TestRemoteRegistrationRejectsCollision(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "shared", `{
		"name": "shared",
		"pluginType": "synchronous",
		"entryPoint": "echo hi"
	}`)

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	err := s.RegisterRemote(Manifest{Name: "shared", PluginType: TypeSynchronous, EntryPoint: EntryPoint{Command: "remote-cmd"}})
	if err == nil {
		t.Fatal("expected collision error")
	}

	m, _ := s.Get("shared")
	if m.IsDistributed {
		t.Error("expected local entry to remain, not be shadowed by the remote one")
	}
}

func TestRemoteEvictionRemovesAllOwnedTools(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	for _, name := range []string{"remote-a", "remote-b"} {
		if err := s.RegisterRemote(Manifest{Name: name, PluginType: TypeSynchronous, EntryPoint: EntryPoint{Command: "x"}, ServerID: "node-1"}); err != nil {
			t.Fatalf("register remote: %v", err)
		}
	}
	if err := s.RegisterRemote(Manifest{Name: "remote-c", PluginType: TypeSynchronous, EntryPoint: EntryPoint{Command: "x"}, ServerID: "node-2"}); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	removed := s.EvictServer("node-1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 tools evicted, got %d", len(removed))
	}
	if _, ok := s.Get("remote-a"); ok {
		t.Error("expected remote-a to be evicted")
	}
	if _, ok := s.Get("remote-c"); !ok {
		t.Error("expected remote-c (different server) to survive")
	}
}

func TestReloadIdempotentWithoutFilesystemChange(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "stable", `{
		"name": "stable",
		"pluginType": "synchronous",
		"entryPoint": "echo hi",
		"configSchema": {"Key": "string"}
	}`)

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("first reload: %v", err)
	}
	first, _ := s.Get("stable")

	if err := s.Reload(); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	second, _ := s.Get("stable")

	if first.Name != second.Name || first.PluginType != second.PluginType ||
		first.EntryPoint != second.EntryPoint || first.BasePath != second.BasePath {
		t.Errorf("expected identical manifests across reloads, got %+v then %+v", first, second)
	}
	if len(s.All()) != 1 {
		t.Errorf("expected exactly one manifest after repeated reloads, got %d", len(s.All()))
	}
}

func TestEffectiveConfigPrecedenceAndCoercion(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "configured", `{
		"name": "configured",
		"pluginType": "synchronous",
		"entryPoint": "echo hi",
		"configSchema": {"MaxRetries": "integer", "Verbose": "boolean"}
	}`)
	if err := os.WriteFile(filepath.Join(dir, configEnvFileName), []byte("MaxRetries=3\nVerbose=true\n# comment\n\nUnused=x\n"), 0o644); err != nil {
		t.Fatalf("write config.env: %v", err)
	}
	// The process environment disagrees; config.env must take precedence.
	t.Setenv("Verbose", "false")

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	m, _ := s.Get("configured")

	retries, ok := s.EffectiveConfig(m, "MaxRetries")
	if !ok || retries != 3 {
		t.Errorf("expected MaxRetries=3, got %v ok=%v", retries, ok)
	}
	verbose, ok := s.EffectiveConfig(m, "Verbose")
	if !ok || verbose != true {
		t.Errorf("expected Verbose=true, got %v ok=%v", verbose, ok)
	}
	debug, ok := s.EffectiveConfig(m, "DebugMode")
	if !ok || debug != false {
		t.Errorf("expected DebugMode to default to false, got %v ok=%v", debug, ok)
	}
}

func TestConfigEnvRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "rt", `{
		"name": "rt",
		"pluginType": "synchronous",
		"entryPoint": "echo hi",
		"configSchema": {"Greeting": "string"}
	}`)
	os.WriteFile(filepath.Join(dir, configEnvFileName), []byte(`Greeting="hello world"`+"\n"), 0o644)

	s := New(root)
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	m, _ := s.Get("rt")
	v, ok := s.EffectiveConfig(m, "Greeting")
	if !ok || v != "hello world" {
		t.Errorf("expected quoted value stripped to 'hello world', got %q ok=%v", v, ok)
	}
}
