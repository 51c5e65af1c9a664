package llm

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lifert/life/pkg/lifeerr"
)

// DecodeObject parses a model's textual response into the object shape
// demanded by schema. Adaptors call it from GenerateObject so every backend
// reports the same failures:
//
//   - empty content        -> Upstream "Invalid response format from <name>"
//   - not valid JSON       -> Validation "Failed to parse response as JSON"
//   - schema mismatch      -> Validation "Schema validation failed"
func DecodeObject(providerName, content string, schema map[string]any) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, lifeerr.Newf(lifeerr.Upstream, "Invalid response format from %s", providerName)
	}

	obj, err := decodeJSONObject(content)
	if err != nil {
		return nil, err
	}

	if schema != nil {
		compiled, err := compileSchema(schema)
		if err != nil {
			return nil, err
		}
		// Re-decode for validation: the validator wants the plain tree.
		var tree any
		if err := json.Unmarshal([]byte(content), &tree); err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
		if err := compiled.Validate(tree); err != nil {
			return nil, lifeerr.New(lifeerr.Validation, "Schema validation failed")
		}
	}
	return obj, nil
}

func decodeJSONObject(content string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, lifeerr.New(lifeerr.Validation, "Failed to parse response as JSON")
	}
	return obj, nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", any(doc)); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	return compiled, nil
}
