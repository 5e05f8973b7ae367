// Package tool exposes every run operation behind a uniform call surface.
// Each op registers a JSON Schema for its arguments; calls come in as raw
// JSON and go out as a canonical {"ok": ...} envelope, so the same registry
// serves the CLI, scripted drivers, and external agent harnesses.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
)

// Handler executes one op. args have already passed schema validation.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Op couples an argument schema with its handler.
type Op struct {
	Name    string
	Schema  *jsonschema.Schema
	Handler Handler
}

// Registry holds the registered ops and the engine they drive.
type Registry struct {
	mu       sync.RWMutex
	ops      map[string]Op
	engine   *engine.Engine
	settings config.Settings
	logger   *zap.Logger
}

// NewRegistry builds a registry with the full op set registered. driver may
// be nil; ticks then run against a scripted driver with no outputs.
func NewRegistry(settings config.Settings, driver engine.AgentDriver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		ops:      make(map[string]Op),
		engine:   engine.New(driver, settings, logger),
		settings: settings,
		logger:   logger,
	}
	r.registerAll()
	return r
}

func (r *Registry) register(name string, params map[string]any, h Handler) {
	schema, err := compileSchema(params)
	if err != nil {
		panic(fmt.Sprintf("tool: bad schema for %s: %v", name, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = Op{Name: name, Schema: schema, Handler: h}
}

// Names returns the registered op names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named op against raw JSON arguments and returns the
// response envelope as a JSON string: {"ok":true,...} on success,
// {"ok":false,"error":{...}} on failure. It never returns malformed JSON.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) string {
	r.mu.RLock()
	op, found := r.ops[name]
	r.mu.RUnlock()
	if !found {
		return errEnvelope(errs.New(errs.NotFound, "unknown op %q", name))
	}

	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errEnvelope(errs.Wrap(errs.InvalidJSON, err, "decode args for %s", name))
		}
	}
	if err := op.Schema.Validate(args); err != nil {
		return errEnvelope(errs.Wrap(errs.InvalidArgs, err, "invalid args for %s", name))
	}

	out, err := r.runHandler(ctx, op, args)
	if err != nil {
		r.logger.Warn("tool call failed",
			zap.String("op", name),
			zap.String("code", errs.CodeOf(err)))
		return errEnvelope(err)
	}
	return okEnvelope(out)
}

// runHandler converts a handler panic into a coded error so a misbehaving op
// still produces an envelope instead of crashing the caller.
func (r *Registry) runHandler(ctx context.Context, op Op, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.New(errs.Internal, "op %s panicked: %v", op.Name, rec)
		}
	}()
	return op.Handler(ctx, args)
}

func okEnvelope(payload map[string]any) string {
	doc := map[string]any{"ok": true}
	for k, v := range payload {
		doc[k] = v
	}
	return marshalEnvelope(doc)
}

func errEnvelope(err error) string {
	e := errs.AsError(err, errs.Internal)
	doc := map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
		},
	}
	if len(e.Details) > 0 {
		doc["error"].(map[string]any)["details"] = e.Details
	}
	return marshalEnvelope(doc)
}

func marshalEnvelope(doc map[string]any) string {
	b, err := json.Marshal(doc)
	if err != nil {
		return `{"ok":false,"error":{"code":"INTERNAL","message":"unencodable response"}}`
	}
	return string(b)
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Schema fragment builders keep the per-op registrations compact.

func obj(required []string, props map[string]any) map[string]any {
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func str() map[string]any     { return map[string]any{"type": "string"} }
func boolean() map[string]any { return map[string]any{"type": "boolean"} }
func integer() map[string]any { return map[string]any{"type": "integer"} }

func strArray() map[string]any {
	return map[string]any{"type": "array", "items": str()}
}

func anyObject() map[string]any {
	return map[string]any{"type": "object"}
}

func runRootArgs(extraRequired []string, extraProps map[string]any) map[string]any {
	props := map[string]any{"run_root": str()}
	for k, v := range extraProps {
		props[k] = v
	}
	return obj(append([]string{"run_root"}, extraRequired...), props)
}

// Argument accessors. Schema validation has already enforced types, so these
// only bridge JSON's loose numerics.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "encode argument")
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "decode argument")
	}
	return nil
}
