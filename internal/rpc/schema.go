package rpc

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lifert/life/pkg/canonical"
	"github.com/lifert/life/pkg/lifeerr"
)

// Schema is a compiled JSON Schema used to validate call inputs and outputs.
// Values are normalized to their canonical JSON form before validation, so
// rich types (dates, big integers) validate as their wire representation.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document. doc is the decoded schema
// (maps, slices, scalars), e.g. the scopeSchema carried in an agent
// definition.
func CompileSchema(doc any) (*Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline.json", doc); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	compiled, err := c.Compile("inline.json")
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for static schemas known to be valid.
func MustCompileSchema(doc any) *Schema {
	s, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks v against the schema and returns a Validation error on
// mismatch.
func (s *Schema) Validate(v any) error {
	plain, err := toPlainJSON(v)
	if err != nil {
		return err
	}
	if err := s.compiled.Validate(plain); err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	return nil
}

// toPlainJSON reduces a value (possibly carrying rich canonical types) to
// the plain JSON tree the schema validator understands.
func toPlainJSON(v any) (any, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	return plain, nil
}
