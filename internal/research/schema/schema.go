// Package schema compiles and applies the embedded JSON Schemas that govern
// every persisted research artifact.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/paidr/internal/research/errs"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

// Compile returns the compiled schema for a versioned name such as
// "manifest.v1". Compilation results are cached for the process lifetime.
func Compile(name string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, err, "unknown schema %q", name).WithDetail("schema", name)
	}
	c := jsonschema.NewCompiler()
	res := name + ".json"
	if err := c.AddResource(res, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}

// Validate checks an arbitrary Go value against the named schema. The value
// is round-tripped through encoding/json first so structs and generic maps
// validate identically.
func Validate(name string, doc any) error {
	s, err := Compile(name)
	if err != nil {
		return err
	}
	v, err := decoded(doc)
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return validationError(name, err)
	}
	return nil
}

// ValidateBytes checks raw JSON bytes against the named schema.
func ValidateBytes(name string, raw []byte) error {
	s, err := Compile(name)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "parse document for %s", name)
	}
	if err := s.Validate(v); err != nil {
		return validationError(name, err)
	}
	return nil
}

// Names lists every embedded schema, sorted.
func Names() []string {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}

func decoded(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "encode document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "decode document")
	}
	return v, nil
}

func validationError(name string, err error) error {
	coded := errs.Wrap(errs.SchemaValidationFailed, err, "document does not satisfy %s", name).
		WithDetail("schema", name)
	var ve *jsonschema.ValidationError
	if vErr, ok := err.(*jsonschema.ValidationError); ok {
		ve = vErr
	}
	if ve != nil {
		coded = coded.WithDetail("violations", leafViolations(ve))
	}
	return coded
}

func leafViolations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafViolations(c)...)
	}
	sort.Strings(out)
	return out
}
