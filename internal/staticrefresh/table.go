// Package staticrefresh turns cron-scheduled static plugins into
// placeholder values consumable by prompt rendering.
package staticrefresh

import "sync/atomic"

// entry is one placeholder's current value plus whether that value is
// itself an error/unavailable sentinel, which the update rule needs to
// decide whether a failed refresh may overwrite it.
type entry struct {
	value    string
	isError  bool
	hasValue bool
}

const unavailableSentinel = "[data currently unavailable]"

// errorSentinel builds the error sentinel installed when a refresh
// fails with no usable prior value. It carries the plugin name and a
// truncated failure message so a reader can tell which plugin failed
// and why without the message growing unbounded in a prompt.
func errorSentinel(pluginName string, execErr error) string {
	const maxMessage = 120
	msg := ""
	if execErr != nil {
		msg = execErr.Error()
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage] + "..."
	}
	if msg == "" {
		return "[" + pluginName + " refresh failed]"
	}
	return "[" + pluginName + " refresh failed: " + msg + "]"
}

// table is a copy-on-write placeholder map: reads are lock-free and see
// either the prior or the new value, never a torn state. Each update
// replaces the whole map, mirroring the manifest store's snapshot-swap
// discipline.
type table struct {
	snapshot atomic.Pointer[map[string]entry]
}

func newTable() *table {
	t := &table{}
	empty := make(map[string]entry)
	t.snapshot.Store(&empty)
	return t
}

func (t *table) get(key string) (entry, bool) {
	m := *t.snapshot.Load()
	e, ok := m[key]
	return e, ok
}

// set installs a single key's new entry by copying the current map,
// mutating the copy, and swapping the pointer.
func (t *table) set(key string, e entry) {
	cur := *t.snapshot.Load()
	next := make(map[string]entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = e
	t.snapshot.Store(&next)
}

// setMany installs several keys atomically in one swap, used when a
// remote node pushes a batch of placeholders.
func (t *table) setMany(values map[string]string) {
	cur := *t.snapshot.Load()
	next := make(map[string]entry, len(cur)+len(values))
	for k, v := range cur {
		next[k] = v
	}
	for k, v := range values {
		next[k] = entry{value: v, hasValue: true}
	}
	t.snapshot.Store(&next)
}

// deleteMany removes several keys in one swap, used when a remote
// session's placeholders are evicted.
func (t *table) deleteMany(keys []string) {
	cur := *t.snapshot.Load()
	next := make(map[string]entry, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	for _, k := range keys {
		delete(next, k)
	}
	t.snapshot.Store(&next)
}

func (t *table) all() map[string]string {
	m := *t.snapshot.Load()
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.value
	}
	return out
}
