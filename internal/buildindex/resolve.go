package buildindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lifert/life/pkg/lifeerr"
)

// Resolved is the outcome of configuration resolution for one agent.
//
// Server carries everything, secrets included, and never leaves the
// supervisor/worker pair. Client is the redacted view returned to API
// callers.
type Resolved struct {
	Server map[string]any
	Client map[string]any
}

// secretKeys are key names whose values are masked in the client view,
// case-insensitively and at any depth.
var secretKeys = []string{"apikey", "api_key", "apisecret", "api_secret", "token", "secret", "password"}

const redactedValue = "[redacted]"

// Resolve merges the agent's applicable global configs with its own config.
//
// A global config applies when its directory contains the agent's source
// path. Applicable globals merge shallowest directory first so that deeper
// (more specific) configs win, and the agent's own config is merged last.
// Any failure aborts with Validation.
func Resolve(def *Definition) (*Resolved, error) {
	type global struct {
		path  string
		depth int
		cfg   map[string]any
	}

	var applicable []global
	for _, path := range def.GlobalConfigs {
		dir := filepath.Dir(path)
		if !containsPath(dir, def.SourcePath) {
			continue
		}
		cfg, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		applicable = append(applicable, global{
			path:  path,
			depth: strings.Count(filepath.Clean(dir), string(filepath.Separator)),
			cfg:   cfg,
		})
	}
	sort.SliceStable(applicable, func(a, b int) bool {
		return applicable[a].depth < applicable[b].depth
	})

	server := make(map[string]any)
	for _, g := range applicable {
		server = merge(server, g.cfg)
	}
	server = merge(server, def.Config)

	return &Resolved{
		Server: server,
		Client: redact(server),
	}, nil
}

func loadYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("global config %q: %w", path, err))
	}
	cfg := make(map[string]any)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("global config %q: %w", path, err))
	}
	return cfg, nil
}

// containsPath reports whether dir is an ancestor of (or equal to) path.
func containsPath(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	if dir == "." || dir == path {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

// merge deep-merges override into base and returns the result. Nested maps
// merge recursively; every other value in override replaces the base value.
// Neither input is mutated.
func merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		ov, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		bv, ok := out[k].(map[string]any)
		if !ok {
			out[k] = merge(nil, ov)
			continue
		}
		out[k] = merge(bv, ov)
	}
	return out
}

// redact returns a deep copy of cfg with the `secrets` subtree removed and
// secret-looking keys masked.
func redact(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if strings.EqualFold(k, "secrets") {
			continue
		}
		if isSecretKey(k) {
			out[k] = redactedValue
			continue
		}
		if m, ok := v.(map[string]any); ok {
			out[k] = redact(m)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if k == s {
			return true
		}
	}
	return false
}
