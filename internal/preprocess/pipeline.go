package preprocess

import (
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
)

// chain is the copy-on-write half of the Pipeline: the ordered list of
// preprocessor names currently in effect. Swapped wholesale on every
// hot reload so an in-flight Run always sees a consistent order and is
// never interrupted mid-chain.
type chain struct {
	order []string
}

// Pipeline runs the ordered preprocessor chain and keeps its order
// mirrored to disk.
type Pipeline struct {
	store     *manifest.Store
	orderPath string

	current atomic.Pointer[chain]

	log zerolog.Logger
}

// New creates a Pipeline. Call Reconcile once before first use to
// populate the chain from the persisted order file and the manifest
// store's current preprocessor plugins.
func New(store *manifest.Store, orderPath string) *Pipeline {
	p := &Pipeline{store: store, orderPath: orderPath, log: pluginlog.WithComponent("preprocess")}
	p.current.Store(&chain{})
	return p
}

// Reconcile re-derives the active chain from the manifest store's
// current preprocessor plugins and the persisted order file, then
// atomically swaps it in and re-persists the result.
func (p *Pipeline) Reconcile() error {
	known := make([]string, 0)
	for _, m := range p.store.ByType(manifest.TypePreprocessor) {
		known = append(known, m.Name)
	}
	// Sorted so newly discovered preprocessors append in a stable,
	// lexicographic position regardless of map iteration order.
	sort.Strings(known)

	persisted, err := loadOrderFile(p.orderPath)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read preprocessor order file, starting from manifest order")
		persisted = nil
	}

	next := reconcile(persisted, known)
	p.current.Store(&chain{order: next})

	if err := saveOrderFile(p.orderPath, next); err != nil {
		p.log.Warn().Err(err).Msg("failed to persist preprocessor order")
	}
	return nil
}

// Order returns the currently active chain, in order.
func (p *Pipeline) Order() []string {
	c := p.current.Load()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Run applies the active chain sequentially to messages. A step that
// fails (returns an error or panics) is logged and its input passed
// through unchanged; the chain is best-effort and a single
// preprocessor failure must not poison the request.
func (p *Pipeline) Run(messages []Message) []Message {
	c := p.current.Load()
	current := messages

	for _, name := range c.order {
		fn, ok := lookup(name)
		if !ok {
			p.log.Warn().Str("preprocessor", name).Msg("no registered implementation for preprocessor plugin, skipping")
			continue
		}

		cfg := p.effectiveConfig(name)
		current = p.runStep(name, fn, current, cfg)
	}

	return current
}

// runStep isolates one preprocessor's panic/error from the rest of the
// chain.
func (p *Pipeline) runStep(name string, fn Func, messages []Message, cfg map[string]interface{}) (result []Message) {
	result = messages
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("preprocessor", name).Interface("panic", r).Msg("preprocessor panicked, passing input through unchanged")
			result = messages
		}
	}()

	out, err := fn(messages, cfg)
	if err != nil {
		p.log.Warn().Err(err).Str("preprocessor", name).Msg("preprocessor failed, passing input through unchanged")
		return messages
	}
	return out
}

// effectiveConfig builds the plain config object a preprocessor
// receives on every call, resolved fresh each time so config.env and
// process-env changes take effect immediately without a pipeline
// reload.
func (p *Pipeline) effectiveConfig(pluginName string) map[string]interface{} {
	m, ok := p.store.Get(pluginName)
	if !ok {
		return map[string]interface{}{}
	}
	cfg := make(map[string]interface{})
	for key := range m.ConfigSchema {
		if v, ok := p.store.EffectiveConfig(m, key); ok {
			cfg[key] = v
		}
	}
	if v, ok := p.store.EffectiveConfig(m, "DebugMode"); ok {
		cfg["DebugMode"] = v
	}
	return cfg
}
