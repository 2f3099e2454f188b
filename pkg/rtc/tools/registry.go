// Package tools maps function calls requested by the remote agent to local
// handlers.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
)

// Invocation is one function call with its arguments decoded.
type Invocation struct {
	Name          string
	CallID        string
	Arguments     map[string]any
	ArgumentsJSON string
}

// Result is the value a handler produced for an invocation.
type Result struct {
	Name   string
	CallID string
	Output any
}

// OutputJSON encodes Output for a function_call_output item.
func (r Result) OutputJSON() (string, error) {
	if s, ok := r.Output.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Handler executes one invocation.
type Handler interface {
	Call(ctx context.Context, inv Invocation) (any, error)
}

type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

func (f HandlerFunc) Call(ctx context.Context, inv Invocation) (any, error) { return f(ctx, inv) }

// Executor is a tool that carries its own declaration.
type Executor interface {
	Handler
	Definition() protocol.ToolDefinition
}

// Registry holds handlers and the set of tools declared to the agent.
// Dispatch only reaches tools that are both declared and registered.
type Registry struct {
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	defs     map[string]protocol.ToolDefinition
	declared map[string]*jsonschema.Resolved
	seen     map[string]struct{}
	wg       sync.WaitGroup
}

// NewRegistry returns an empty registry. A positive timeout bounds each
// handler call.
func NewRegistry(logger *slog.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		timeout:  timeout,
		handlers: make(map[string]Handler),
		defs:     make(map[string]protocol.ToolDefinition),
		declared: make(map[string]*jsonschema.Resolved),
		seen:     make(map[string]struct{}),
	}
}

// Register binds handler to name, replacing any earlier binding.
func (r *Registry) Register(name string, handler Handler) {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Add registers an executor under its declared name.
func (r *Registry) Add(ex Executor) {
	if ex == nil {
		return
	}
	def := ex.Definition()
	r.Register(def.Name, ex)
	r.mu.Lock()
	r.defs[strings.TrimSpace(def.Name)] = def
	r.mu.Unlock()
}

// Definitions returns the declarations of every added executor, by name.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ToolDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered handler names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declare replaces the declared tool set with cfg's tools and resolves their
// parameter schemas. It also forgets previously seen call ids.
func (r *Registry) Declare(cfg protocol.SessionConfig) error {
	declared := make(map[string]*jsonschema.Resolved, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		name := strings.TrimSpace(tool.Name)
		if tool.Parameters == nil {
			return fmt.Errorf("tool %q has no parameter schema", name)
		}
		resolved, err := tool.Parameters.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		declared[name] = resolved
	}
	r.mu.Lock()
	r.declared = declared
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
	return nil
}

// Parse decodes a function call's arguments. Arguments must be a JSON object;
// an empty string is treated as {}.
func Parse(call protocol.FunctionCall) (Invocation, error) {
	inv := Invocation{Name: strings.TrimSpace(call.Name), CallID: call.CallID, ArgumentsJSON: call.ArgumentsJSON}
	raw := strings.TrimSpace(call.ArgumentsJSON)
	if raw == "" {
		inv.Arguments = map[string]any{}
		return inv, nil
	}
	if err := json.Unmarshal([]byte(raw), &inv.Arguments); err != nil {
		return inv, &core.ToolExecutionError{Name: inv.Name, CallID: inv.CallID, Reason: core.ReasonInvalidArguments, Cause: err}
	}
	if inv.Arguments == nil {
		inv.Arguments = map[string]any{}
	}
	return inv, nil
}

// Dispatch runs one invocation synchronously. Unknown tools, schema
// violations and handler failures are *core.ToolExecutionError.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) (Result, error) {
	r.mu.Lock()
	schema, declared := r.declared[inv.Name]
	handler, registered := r.handlers[inv.Name]
	r.mu.Unlock()

	if !declared || !registered {
		return Result{}, &core.ToolExecutionError{Name: inv.Name, CallID: inv.CallID, Reason: core.ReasonUnknownTool}
	}
	if schema != nil {
		if err := schema.Validate(toInstance(inv.Arguments)); err != nil {
			return Result{}, &core.ToolExecutionError{Name: inv.Name, CallID: inv.CallID, Reason: core.ReasonInvalidArguments, Cause: err}
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := handler.Call(ctx, inv)
	if err != nil {
		var toolErr *core.ToolExecutionError
		if errors.As(err, &toolErr) {
			if toolErr.CallID == "" {
				toolErr.CallID = inv.CallID
			}
			if toolErr.Name == "" {
				toolErr.Name = inv.Name
			}
			return Result{}, toolErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}
		return Result{}, &core.ToolExecutionError{Name: inv.Name, CallID: inv.CallID, Reason: core.ReasonHandlerFailed, Cause: err}
	}
	return Result{Name: inv.Name, CallID: inv.CallID, Output: out}, nil
}

// DispatchAsync claims call.CallID and runs the invocation on its own
// goroutine, reporting through done. It returns false without running
// anything when the call id was already claimed. A call with no id is never
// run; done receives a ToolExecutionError instead.
func (r *Registry) DispatchAsync(ctx context.Context, call protocol.FunctionCall, done func(Result, error)) bool {
	callID := strings.TrimSpace(call.CallID)
	if callID == "" {
		r.logger.Warn("function call without call_id", "tool", call.Name)
		err := &core.ToolExecutionError{Name: call.Name, Reason: core.ReasonMissingCallID}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if done != nil {
				done(Result{}, err)
			}
		}()
		return true
	}
	r.mu.Lock()
	if _, dup := r.seen[callID]; dup {
		r.mu.Unlock()
		r.logger.Debug("ignoring duplicate function call", "call_id", callID, "tool", call.Name)
		return false
	}
	r.seen[callID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		inv, err := Parse(call)
		var res Result
		if err == nil {
			res, err = r.Dispatch(ctx, inv)
		}
		if done != nil {
			done(res, err)
		}
	}()
	return true
}

// Wait blocks until every asynchronous dispatch has reported.
func (r *Registry) Wait() { r.wg.Wait() }

// toInstance round-trips typed values through JSON so the validator sees
// plain JSON types.
func toInstance(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}
