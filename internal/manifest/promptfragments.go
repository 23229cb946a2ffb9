package manifest

import "strings"

// rebuildPromptFragments rebuilds the per-plugin prompt-fragment table:
// one human-readable block per plugin, built from its
// invocationCommands, for the surrounding system to splice into prompts.
func (s *Store) rebuildPromptFragments() {
	frags := make(map[string]string)
	for _, m := range s.All() {
		if m.Capabilities == nil || len(m.Capabilities.InvocationCommands) == 0 {
			continue
		}
		var b strings.Builder
		b.WriteString(m.Name)
		b.WriteString(":\n")
		for _, cmd := range m.Capabilities.InvocationCommands {
			b.WriteString("  - ")
			b.WriteString(cmd.Description)
			if cmd.Example != "" {
				b.WriteString("\n    example: ")
				b.WriteString(cmd.Example)
			}
			b.WriteString("\n")
		}
		frags[m.Name] = b.String()
	}
	s.fragments.Store(&frags)
}

// RebuildPromptFragments is exposed so the distributed registry can
// trigger a rebuild after a batch of remote tool registrations without
// going through a full Reload.
func (s *Store) RebuildPromptFragments() {
	s.rebuildPromptFragments()
}

// PromptFragment returns the built prompt fragment for a plugin, if any.
func (s *Store) PromptFragment(name string) (string, bool) {
	m := *s.fragments.Load()
	v, ok := m[name]
	return v, ok
}

// AllPromptFragments returns every currently built fragment, keyed by
// plugin name.
func (s *Store) AllPromptFragments() map[string]string {
	m := *s.fragments.Load()
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
