// Package transfer implements the transferAgents tool, which hands the
// conversation to another configured agent profile.
package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools"
)

const ToolName = "transferAgents"

// Agent is a named set of instructions the session can switch to.
type Agent struct {
	Name         string
	Description  string
	Instructions string
}

// Tool switches agents through Switch. Agents must be non-empty for the
// definition to be useful.
type Tool struct {
	Agents []Agent
	Switch func(ctx context.Context, agent Agent) error
}

func (t *Tool) Definition() protocol.ToolDefinition {
	names := make([]any, 0, len(t.Agents))
	var desc strings.Builder
	desc.WriteString("Hand the conversation to another agent.")
	for _, a := range t.Agents {
		names = append(names, a.Name)
		if a.Description != "" {
			fmt.Fprintf(&desc, " %s: %s.", a.Name, strings.TrimSuffix(a.Description, "."))
		}
	}
	return protocol.ToolDefinition{
		Type:        "function",
		Name:        ToolName,
		Description: desc.String(),
		Parameters: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"destination_agent":      {Type: "string", Enum: names, Description: "Agent to transfer to."},
				"rationale_for_transfer": {Type: "string", Description: "Why the transfer is happening."},
			},
			Required: []string{"destination_agent"},
		},
	}
}

// Lookup returns the agent named name.
func (t *Tool) Lookup(name string) (Agent, bool) {
	for _, a := range t.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

func (t *Tool) Call(ctx context.Context, inv tools.Invocation) (any, error) {
	name, _ := inv.Arguments["destination_agent"].(string)
	agent, ok := t.Lookup(strings.TrimSpace(name))
	if !ok {
		return nil, &core.ToolExecutionError{Name: ToolName, CallID: inv.CallID, Reason: core.ReasonInvalidArguments, Cause: fmt.Errorf("unknown agent %q", name)}
	}
	if t.Switch != nil {
		if err := t.Switch(ctx, agent); err != nil {
			return nil, err
		}
	}
	return map[string]any{"transferred_to": agent.Name}, nil
}
