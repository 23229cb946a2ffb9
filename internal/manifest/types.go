// Package manifest owns the authoritative set of known plugins, local
// and remote, and is the only source of their effective per-call
// configuration.
package manifest

import "sync"

// PluginType is the closed set of plugin kinds the runtime understands.
// Each operation dispatches on this with a small explicit switch rather
// than polymorphism on loaded code objects.
type PluginType string

const (
	TypeSynchronous  PluginType = "synchronous"
	TypeAsynchronous PluginType = "asynchronous"
	TypeStatic       PluginType = "static"
	TypePreprocessor PluginType = "messagePreprocessor"
	TypeService      PluginType = "service"
	TypeHybrid       PluginType = "hybridservice"
)

// Protocol is the transport a subprocess-backed plugin speaks.
type Protocol string

const (
	ProtocolStdio  Protocol = "stdio"
	ProtocolDirect Protocol = "direct"
)

// ConfigValueType is the declared type of a config-schema entry, used to
// coerce the raw string value read from config.env or the process
// environment.
type ConfigValueType string

const (
	ConfigInteger ConfigValueType = "integer"
	ConfigBoolean ConfigValueType = "boolean"
	ConfigString  ConfigValueType = "string"
)

// Communication describes how the runtime talks to a plugin.
type Communication struct {
	Protocol  Protocol
	TimeoutMs int
}

// InvocationCommand is one example usage of a plugin, used to build the
// per-plugin prompt fragment shown to the LLM.
type InvocationCommand struct {
	Description string `json:"description"`
	Example     string `json:"example"`
}

// SystemPromptPlaceholder names a placeholder key a plugin's
// capabilities declare, resolved against the static-refresher table.
type SystemPromptPlaceholder struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Capabilities is the optional structured metadata a manifest may carry.
type Capabilities struct {
	InvocationCommands       []InvocationCommand      `json:"invocationCommands,omitempty"`
	SystemPromptPlaceholders []SystemPromptPlaceholder `json:"systemPromptPlaceholders,omitempty"`
}

// EntryPoint is the subprocess command (and, for in-process modules, the
// script/module pointer) used to invoke a plugin.
type EntryPoint struct {
	Command string `json:"command"`
	Script  string `json:"script,omitempty"`
}

// Manifest is the declarative record describing one plugin, local or
// remote. Names are globally unique, and once inserted a Manifest is
// never mutated in place; a reload replaces the map wholesale rather
// than editing entries.
type Manifest struct {
	Name                    string
	DisplayName             string
	PluginType              PluginType
	EntryPoint              EntryPoint
	Communication           Communication
	RefreshIntervalCron     string
	Capabilities            *Capabilities
	ConfigSchema            map[string]ConfigValueType
	BasePath                string
	PluginSpecificEnvConfig map[string]string

	IsDistributed bool
	ServerID      string
}

// Clone returns a deep-enough copy of the manifest for safe handoff
// across goroutine boundaries (the map fields are copied).
func (m Manifest) Clone() Manifest {
	c := m
	if m.ConfigSchema != nil {
		c.ConfigSchema = make(map[string]ConfigValueType, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			c.ConfigSchema[k] = v
		}
	}
	if m.PluginSpecificEnvConfig != nil {
		c.PluginSpecificEnvConfig = make(map[string]string, len(m.PluginSpecificEnvConfig))
		for k, v := range m.PluginSpecificEnvConfig {
			c.PluginSpecificEnvConfig[k] = v
		}
	}
	if m.Capabilities != nil {
		cap := *m.Capabilities
		c.Capabilities = &cap
	}
	return c
}

// snapshot is the copy-on-write half of the Store holding local
// manifests; reads take the current snapshot pointer without locking.
type snapshot struct {
	byName map[string]Manifest
}

func newSnapshot() *snapshot {
	return &snapshot{byName: make(map[string]Manifest)}
}

// remoteSet holds remote manifests, mutated under its own write lock so
// that remote registration/eviction never needs to coordinate with a
// local rescan beyond reading the local snapshot pointer.
type remoteSet struct {
	mu     sync.RWMutex
	byName map[string]Manifest
}

func newRemoteSet() *remoteSet {
	return &remoteSet{byName: make(map[string]Manifest)}
}
