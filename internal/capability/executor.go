package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/trust"
)

var (
	ErrToolNotFound    = errors.New("tool not registered")
	ErrInvalidArgument = errors.New("invalid tool arguments")
)

// Func is a tool implementation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named callable with an optional JSON schema for its arguments.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Func        Func
}

type registeredTool struct {
	Tool
	schema *jsonschema.Schema
}

// Executor runs registered tools behind the gate.
type Executor struct {
	gate   *Gate
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewExecutor(gate *Gate, logger *zap.Logger) *Executor {
	return &Executor{gate: gate, logger: logger, tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The argument schema is compiled here.
func (e *Executor) Register(t Tool) error {
	if t.Name == "" || t.Func == nil {
		return fmt.Errorf("register tool: name and func are required")
	}
	rt := &registeredTool{Tool: t}
	if t.Schema != nil {
		sch, err := compileSchema(t.Schema)
		if err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name, err)
		}
		rt.schema = sch
	}
	e.mu.Lock()
	e.tools[t.Name] = rt
	e.mu.Unlock()
	return nil
}

// Tools lists the registered tool names with their current requirement.
func (e *Executor) Tools() map[string]trust.Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]trust.Level, len(e.tools))
	for name := range e.tools {
		out[name] = e.gate.Required(name)
	}
	return out
}

// Execute enforces the gate, validates args and invokes the tool. Gate
// denials are *secerr.UnauthorizedToolAccess.
func (e *Executor) Execute(ctx context.Context, sc trust.SecurityContext, name string, args map[string]any) (any, error) {
	if err := e.gate.Require(name, sc); err != nil {
		return nil, err
	}

	e.mu.RLock()
	rt, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if rt.schema != nil {
		if err := validateArgs(rt.schema, args); err != nil {
			e.logger.Warn("tool arguments rejected",
				zap.String("tool", name),
				zap.String("context_id", sc.ID()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
		}
	}

	e.logger.Info("executing tool",
		zap.String("tool", name),
		zap.String("context_id", sc.ID()),
		zap.String("trust", sc.TrustLevel().String()),
	)
	out, err := rt.Func(ctx, args)
	if err != nil {
		e.logger.Error("tool execution failed", zap.String("tool", name), zap.Error(err))
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}
	e.logger.Info("tool executed", zap.String("tool", name))
	return out, nil
}

// ExecuteWithTrustName is Execute for callers that carry trust as a name.
// Unknown names are treated as QUARANTINED.
func (e *Executor) ExecuteWithTrustName(ctx context.Context, trustName, userID string, approved []string, name string, args map[string]any) (any, error) {
	return e.Execute(ctx, ContextFor(trustName, userID, approved), name, args)
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so numbers and nested maps have the types the
	// compiler expects.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid argument schema: %w", err)
	}
	obj, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema unmarshal: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", obj); err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	return sch, nil
}

func validateArgs(sch *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return sch.Validate(inst)
}
