// Package buildindex loads the directory of compiled agent definitions the
// external compiler produces and resolves per-agent configuration from the
// agent's own config plus its applicable global configs.
//
// Each agent occupies one file `<name>.json` in the index directory; the file
// doubles as the agent's signal file, so the supervisor drives hot reload off
// its content hash (see Watcher).
package buildindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/pkg/lifeerr"
)

// Plugin describes one plugin attached to an agent definition.
type Plugin struct {
	Name string `json:"name"`

	// SyncContext marks plugins whose context changes stream back to the
	// supervisor while the agent runs.
	SyncContext bool `json:"syncContext"`
}

// Definition is one compiled agent definition, as emitted by the compiler.
type Definition struct {
	Name       string `json:"name"`
	SourcePath string `json:"sourcePath"`

	// ScopeSchema validates the per-session scope payload. A nil schema
	// accepts any scope.
	ScopeSchema map[string]any `json:"scopeSchema"`

	// AccessSchema authorizes session starts. It is validated against
	// {"request": ..., "scope": ...} assembled from the caller's request and
	// the requested scope; a nil schema admits every caller.
	AccessSchema map[string]any `json:"accessSchema"`

	Plugins []Plugin       `json:"plugins"`
	Config  map[string]any `json:"config"`

	// GlobalConfigs are paths to YAML config files, in compiler order. Only
	// those whose directory contains SourcePath apply to this agent.
	GlobalConfigs []string `json:"globalConfigs"`
}

// ScopeKeys returns the top-level property names of the scope schema, sorted.
func (d *Definition) ScopeKeys() []string {
	props, _ := d.ScopeSchema["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CompileScopeSchema compiles the definition's scope schema. A nil schema
// yields a nil *rpc.Schema, which callers treat as accept-all.
func (d *Definition) CompileScopeSchema() (*rpc.Schema, error) {
	if d.ScopeSchema == nil {
		return nil, nil
	}
	s, err := rpc.CompileSchema(any(d.ScopeSchema))
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation,
			fmt.Errorf("agent %q has an invalid scope schema: %w", d.Name, err))
	}
	return s, nil
}

// CompileAccessSchema compiles the definition's access schema. A nil schema
// yields a nil *rpc.Schema, which callers treat as admit-all.
func (d *Definition) CompileAccessSchema() (*rpc.Schema, error) {
	if d.AccessSchema == nil {
		return nil, nil
	}
	s, err := rpc.CompileSchema(any(d.AccessSchema))
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation,
			fmt.Errorf("agent %q has an invalid access schema: %w", d.Name, err))
	}
	return s, nil
}

// Available is one row of the supervisor's available() listing.
type Available struct {
	Name      string   `json:"name"`
	ScopeKeys []string `json:"scopeKeys"`
}

// Index is the loaded set of agent definitions, keyed by agent name.
type Index struct {
	dir string

	mu          sync.RWMutex
	definitions map[string]*Definition
}

// Load reads every `<name>.json` file in dir. Files whose stem does not match
// the definition's declared name fail with Validation; non-JSON files are
// ignored (the compiler may leave other artifacts in the directory).
func Load(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("build index: read %q: %w", dir, err))
	}

	idx := &Index{
		dir:         dir,
		definitions: make(map[string]*Definition),
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		def, err := loadDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		if def.Name != stem {
			return nil, lifeerr.Newf(lifeerr.Validation,
				"build index: %s declares name %q, want %q", e.Name(), def.Name, stem)
		}
		idx.definitions[def.Name] = def
	}
	return idx, nil
}

func loadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("build index: read %q: %w", path, err))
	}
	def := &Definition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("build index: parse %q: %w", path, err))
	}
	if def.Name == "" {
		return nil, lifeerr.Newf(lifeerr.Validation, "build index: %q has no agent name", path)
	}
	return def, nil
}

// Dir returns the index directory.
func (i *Index) Dir() string { return i.dir }

// Get returns the definition for name, or NotFound.
func (i *Index) Get(name string) (*Definition, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	def, ok := i.definitions[name]
	if !ok {
		return nil, lifeerr.Newf(lifeerr.NotFound, "no agent named %q in the build index", name)
	}
	return def, nil
}

// Names returns all agent names, sorted.
func (i *Index) Names() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.definitions))
	for name := range i.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available lists every agent with its scope keys, sorted by name.
func (i *Index) Available() []Available {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Available, 0, len(i.definitions))
	for _, def := range i.definitions {
		out = append(out, Available{Name: def.Name, ScopeKeys: def.ScopeKeys()})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Reload re-reads the index directory in place. On error the previous
// definitions are kept.
func (i *Index) Reload() error {
	fresh, err := Load(i.dir)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.definitions = fresh.definitions
	i.mu.Unlock()
	return nil
}
