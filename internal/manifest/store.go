package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/pluginlog"
)

const manifestFileName = "plugin-manifest.json"
const configEnvFileName = "config.env"

// ReloadListener is notified after every successful reload. It is the
// in-process form of the "plugins-reloaded" event consumers outside the
// runtime subscribe to.
type ReloadListener func()

// Store is the authoritative map of known plugins. Local manifests live
// behind a copy-on-write snapshot pointer so that concurrent readers
// never block a reload; remote manifests live in a separate map mutated
// under their own write lock, so remote registration and eviction never
// coordinate with a local rescan beyond reading the snapshot pointer.
type Store struct {
	root     string
	local    atomic.Pointer[snapshot]
	remote   *remoteSet
	log      zerolog.Logger
	reloadMu sync.Mutex // serializes Reload; debouncing happens upstream in the watcher

	listeners []ReloadListener
	fragments atomic.Pointer[map[string]string]
}

// New creates a Store scanning pluginRoot for local plugin directories.
func New(pluginRoot string) *Store {
	s := &Store{
		root:   pluginRoot,
		remote: newRemoteSet(),
		log:    pluginlog.WithComponent("manifest"),
	}
	s.local.Store(newSnapshot())
	empty := map[string]string{}
	s.fragments.Store(&empty)
	return s
}

// OnReload registers a listener invoked after every successful reload.
// Not safe to call concurrently with Reload.
func (s *Store) OnReload(fn ReloadListener) {
	s.listeners = append(s.listeners, fn)
}

// Reload performs a full rescan of the plugin root and atomically swaps
// the local half of the map. Remote entries are preserved across a
// local rescan. Concurrent callers serialize on reloadMu rather than
// running overlapping scans; the debounce window that coalesces bursts
// of filesystem events into a single Reload call lives in the watcher
// (preprocess.Watcher / the caller of this method).
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, warnings := s.discover()
	for _, w := range warnings {
		s.log.Warn().Err(w).Msg("skipped plugin during discovery")
	}

	s.local.Store(next)
	s.rebuildPromptFragments()

	for _, l := range s.listeners {
		l()
	}
	s.log.Info().Int("count", len(next.byName)).Msg("manifest store reloaded")
	return nil
}

// discover scans pluginRoot one level deep. Entries whose type or entry
// point is missing are skipped with a warning; name collisions are
// skipped, first-seen wins.
func (s *Store) discover() (*snapshot, []error) {
	next := newSnapshot()
	var warnings []error

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return next, []error{err}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		mf, err := loadManifestFile(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			warnings = append(warnings, invalidManifest(entry.Name(), err))
			continue
		}

		m, err := mf.toManifest(dir)
		if err != nil {
			warnings = append(warnings, invalidManifest(entry.Name(), err))
			continue
		}

		envConfig, err := parseConfigEnv(filepath.Join(dir, configEnvFileName))
		if err != nil {
			s.log.Warn().Err(err).Str("plugin", m.Name).Msg("failed to parse config.env, continuing without it")
			envConfig = map[string]string{}
		}
		m.PluginSpecificEnvConfig = envConfig

		if _, exists := next.byName[m.Name]; exists {
			warnings = append(warnings, nameCollision(m.Name))
			continue
		}
		if s.remoteHas(m.Name) {
			warnings = append(warnings, nameCollision(m.Name))
			continue
		}
		next.byName[m.Name] = m
	}

	return next, warnings
}

func loadManifestFile(dir string) (*manifestFile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, err
	}
	return &mf, nil
}

func (s *Store) remoteHas(name string) bool {
	s.remote.mu.RLock()
	defer s.remote.mu.RUnlock()
	_, ok := s.remote.byName[name]
	return ok
}

// Get returns a single manifest by name, checking local then remote.
func (s *Store) Get(name string) (Manifest, bool) {
	snap := s.local.Load()
	if m, ok := snap.byName[name]; ok {
		return m, true
	}
	s.remote.mu.RLock()
	defer s.remote.mu.RUnlock()
	m, ok := s.remote.byName[name]
	return m, ok
}

// All returns every currently known manifest, local and remote.
func (s *Store) All() []Manifest {
	snap := s.local.Load()
	out := make([]Manifest, 0, len(snap.byName))
	for _, m := range snap.byName {
		out = append(out, m)
	}
	s.remote.mu.RLock()
	defer s.remote.mu.RUnlock()
	for _, m := range s.remote.byName {
		out = append(out, m)
	}
	return out
}

// ByType returns every currently known manifest of the given type.
func (s *Store) ByType(t PluginType) []Manifest {
	var out []Manifest
	for _, m := range s.All() {
		if m.PluginType == t {
			out = append(out, m)
		}
	}
	return out
}

// RegisterRemote inserts a remote manifest. Name collisions with an
// existing (local or remote) entry are rejected; the existing entry is
// never overwritten.
func (s *Store) RegisterRemote(m Manifest) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if _, exists := s.local.Load().byName[m.Name]; exists {
		return nameCollision(m.Name)
	}
	if _, exists := s.remote.byName[m.Name]; exists {
		return nameCollision(m.Name)
	}
	m.IsDistributed = true
	if !strings.Contains(m.DisplayName, "(remote)") {
		if m.DisplayName == "" {
			m.DisplayName = m.Name
		}
		m.DisplayName = m.DisplayName + " (remote)"
	}
	s.remote.byName[m.Name] = m
	return nil
}

// EvictServer removes every remote manifest owned by serverID, returning
// the removed names. Used when a distributed session ends.
func (s *Store) EvictServer(serverID string) []string {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	var removed []string
	for name, m := range s.remote.byName {
		if m.ServerID == serverID {
			delete(s.remote.byName, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// EffectiveConfig resolves one config key for a plugin: first defined
// of pluginSpecificEnvConfig[key], then process env[key], coerced per
// the declared configSchema type. DebugMode is always resolvable,
// defaulting to false.
func (s *Store) EffectiveConfig(m Manifest, key string) (interface{}, bool) {
	raw, found := m.PluginSpecificEnvConfig[key]
	if !found {
		raw, found = os.LookupEnv(key)
	}
	if !found {
		if key == "DebugMode" {
			return false, true
		}
		return nil, false
	}

	declared := ConfigString
	if m.ConfigSchema != nil {
		if t, ok := m.ConfigSchema[key]; ok {
			declared = t
		}
	}

	switch declared {
	case ConfigInteger:
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.log.Warn().Str("plugin", m.Name).Str("key", key).Str("value", raw).Msg("failed to parse integer config value")
			return nil, false
		}
		return n, true
	case ConfigBoolean:
		return strings.EqualFold(raw, "true"), true
	default:
		return raw, true
	}
}

// EffectiveConfigMap resolves every key declared in the manifest's
// configSchema, every key present in its config.env, and DebugMode,
// flattened to strings for handoff to a subprocess environment.
func (s *Store) EffectiveConfigMap(m Manifest) map[string]string {
	out := make(map[string]string)
	keys := make(map[string]struct{}, len(m.ConfigSchema)+1)
	for k := range m.ConfigSchema {
		keys[k] = struct{}{}
	}
	keys["DebugMode"] = struct{}{}
	for k := range m.PluginSpecificEnvConfig {
		keys[k] = struct{}{}
	}

	for k := range keys {
		v, ok := s.EffectiveConfig(m, k)
		if !ok {
			continue
		}
		out[k] = toEnvString(v)
	}
	return out
}

func toEnvString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
