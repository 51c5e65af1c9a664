package worker

import (
	"sort"
	"sync"
	"time"
)

// ContextChange is one plugin-context update, forwarded to the supervisor as
// a syncContext message so the next restart can resume plugin state.
type ContextChange struct {
	AgentID    string    `json:"agentId"`
	PluginName string    `json:"pluginName"`
	Context    any       `json:"context"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContextStore holds the plugin contexts of one running agent. It is seeded
// from the start parameters (crash recovery) and fires onChange for every
// update; delivery failures are the forwarder's problem, not the store's.
type ContextStore struct {
	agentID  string
	onChange func(ContextChange)

	mu       sync.Mutex
	contexts map[string]any
}

// NewContextStore creates a store seeded with the given contexts. onChange
// may be nil.
func NewContextStore(agentID string, seed map[string]any, onChange func(ContextChange)) *ContextStore {
	contexts := make(map[string]any, len(seed))
	for k, v := range seed {
		contexts[k] = v
	}
	return &ContextStore{
		agentID:  agentID,
		onChange: onChange,
		contexts: contexts,
	}
}

// Get returns the stored context for plugin, or nil.
func (s *ContextStore) Get(plugin string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[plugin]
}

// Set stores a new context for plugin and fires onChange.
func (s *ContextStore) Set(plugin string, value any) {
	s.mu.Lock()
	s.contexts[plugin] = value
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(ContextChange{
			AgentID:    s.agentID,
			PluginName: plugin,
			Context:    value,
			Timestamp:  time.Now(),
		})
	}
}

// Plugins returns the plugin names with stored contexts, sorted.
func (s *ContextStore) Plugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.contexts))
	for name := range s.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all stored contexts.
func (s *ContextStore) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.contexts))
	for k, v := range s.contexts {
		out[k] = v
	}
	return out
}
