package staticrefresh

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
	"github.com/mywar5/VCPToolBox/internal/stdioexec"
)

// Refresher owns the placeholder lifecycle: seeding at reload time,
// running background refreshes, and scheduling recurring ones per
// plugin.
type Refresher struct {
	store   *manifest.Store
	exec    *stdioexec.Executor
	table   *table
	timeout time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	jobIDs  map[string]cron.EntryID // pluginName -> cron entry
	running map[string]bool         // pluginName -> refresh in flight

	log zerolog.Logger
}

// New creates a Refresher. defaultTimeout bounds any refresh whose
// plugin does not declare its own timeout.
func New(store *manifest.Store, exec *stdioexec.Executor, defaultTimeout time.Duration) *Refresher {
	return &Refresher{
		store:   store,
		exec:    exec,
		table:   newTable(),
		timeout: defaultTimeout,
		cron:    cron.New(),
		jobIDs:  make(map[string]cron.EntryID),
		running: make(map[string]bool),
		log:     pluginlog.WithComponent("staticrefresh"),
	}
}

func (r *Refresher) Start() { r.cron.Start() }
func (r *Refresher) Stop()  { <-r.cron.Stop().Done() }

// SeedAll is called at startup and after every manifest reload:
// every static plugin's declared placeholders are seeded with a loading
// sentinel if they have no existing value, a background refresh is
// enqueued, and its cron job (if any) is (re)installed. Jobs belonging
// to plugins no longer present are removed, so the scheduled-job set is
// rebuilt wholesale on each reload.
func (r *Refresher) SeedAll() {
	statics := r.store.ByType(manifest.TypeStatic)

	current := make(map[string]bool, len(statics))
	for _, m := range statics {
		current[m.Name] = true
	}
	r.mu.Lock()
	for name, id := range r.jobIDs {
		if !current[name] {
			r.cron.Remove(id)
			delete(r.jobIDs, name)
		}
	}
	r.mu.Unlock()

	for _, m := range statics {
		r.seedOne(m)
	}
}

func (r *Refresher) seedOne(m manifest.Manifest) {
	if m.Capabilities != nil {
		for _, ph := range m.Capabilities.SystemPromptPlaceholders {
			if _, ok := r.table.get(ph.Key); !ok {
				r.table.set(ph.Key, entry{value: "[loading " + m.Name + "...]"})
			}
		}
	}

	go r.Refresh(m.Name)

	if m.RefreshIntervalCron != "" {
		r.schedule(m)
	}
}

// schedule installs or replaces the cron job for a plugin: an existing
// entry for the same plugin is removed before the new one is added.
func (r *Refresher) schedule(m manifest.Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.jobIDs[m.Name]; exists {
		r.cron.Remove(id)
		delete(r.jobIDs, m.Name)
	}

	pluginName := m.Name
	wrapped := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Str("plugin", pluginName).Interface("panic", rec).Msg("static refresh job panicked")
			}
		}()
		r.Refresh(pluginName)
	}

	id, err := r.cron.AddFunc(m.RefreshIntervalCron, wrapped)
	if err != nil {
		r.log.Warn().Err(err).Str("plugin", m.Name).Str("cron", m.RefreshIntervalCron).Msg("invalid refreshIntervalCron, skipping schedule")
		return
	}
	r.jobIDs[m.Name] = id
}

// Refresh runs one refresh of a static plugin and applies the
// per-placeholder update rule. A second fire while a refresh of the
// same plugin is still running is skipped, not queued.
func (r *Refresher) Refresh(pluginName string) {
	r.mu.Lock()
	if r.running[pluginName] {
		r.mu.Unlock()
		r.log.Debug().Str("plugin", pluginName).Msg("skipping refresh: previous run still in flight")
		return
	}
	r.running[pluginName] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, pluginName)
		r.mu.Unlock()
	}()

	m, ok := r.store.Get(pluginName)
	if !ok || m.Capabilities == nil {
		return
	}

	timeout := r.timeout
	if m.Communication.TimeoutMs > 0 {
		timeout = time.Duration(m.Communication.TimeoutMs) * time.Millisecond
	}

	out, err := r.exec.ExecuteStatic(context.Background(), m, timeout)

	for _, ph := range m.Capabilities.SystemPromptPlaceholders {
		r.applyUpdate(m.Name, ph.Key, out, err)
	}
}

// applyUpdate decides what a refresh outcome does to one placeholder:
// a non-empty value always installs; an empty value installs the
// unavailable sentinel only when nothing was there before; a failed
// execution installs an error sentinel only when the prior value was
// absent or itself an error sentinel. A usable stale value is never
// overwritten by a failure.
func (r *Refresher) applyUpdate(pluginName, key, newValue string, execErr error) {
	prior, hadPrior := r.table.get(key)

	if execErr != nil {
		if !hadPrior || prior.isError {
			r.table.set(key, entry{value: errorSentinel(pluginName, execErr), isError: true, hasValue: true})
		} else {
			r.log.Warn().Err(execErr).Str("plugin", pluginName).Str("key", key).Msg("refresh failed, keeping stale value")
		}
		return
	}

	if newValue != "" {
		r.table.set(key, entry{value: newValue, hasValue: true})
		return
	}

	if !hadPrior {
		r.table.set(key, entry{value: unavailableSentinel, isError: true, hasValue: true})
		return
	}
	if !prior.isError {
		r.log.Warn().Str("plugin", pluginName).Str("key", key).Msg("refresh returned empty, keeping stale value")
	}
}

// MergeRemote installs placeholder values contributed by a remote node,
// as if it had performed a local static refresh.
func (r *Refresher) MergeRemote(values map[string]string) {
	r.table.setMany(values)
}

// EvictRemote removes placeholder keys that were owned by a remote
// session whose connection has ended.
func (r *Refresher) EvictRemote(keys []string) {
	if len(keys) == 0 {
		return
	}
	r.table.deleteMany(keys)
}

// Get returns the current value of a placeholder.
func (r *Refresher) Get(key string) (string, bool) {
	e, ok := r.table.get(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

// All returns every currently known placeholder value.
func (r *Refresher) All() map[string]string {
	return r.table.all()
}
