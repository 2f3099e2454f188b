package transfer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools"
)

func TestCall_SwitchesAgent(t *testing.T) {
	var switched Agent
	tool := &Tool{
		Agents: []Agent{{Name: "greeter"}, {Name: "seller", Instructions: "Negotiate the price."}},
		Switch: func(_ context.Context, a Agent) error {
			switched = a
			return nil
		},
	}
	out, err := tool.Call(context.Background(), tools.Invocation{CallID: "c1", Arguments: map[string]any{"destination_agent": "seller"}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if switched.Name != "seller" {
		t.Fatalf("switched=%q", switched.Name)
	}
	if !reflect.DeepEqual(out, map[string]any{"transferred_to": "seller"}) {
		t.Fatalf("out=%#v", out)
	}
}

func TestCall_UnknownAgent(t *testing.T) {
	tool := &Tool{Agents: []Agent{{Name: "greeter"}}}
	_, err := tool.Call(context.Background(), tools.Invocation{CallID: "c1", Arguments: map[string]any{"destination_agent": "ghost"}})
	var toolErr *core.ToolExecutionError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err=%v", err)
	}
	if toolErr.Reason != core.ReasonInvalidArguments {
		t.Fatalf("reason=%q", toolErr.Reason)
	}
}

func TestDefinition_EnumeratesAgents(t *testing.T) {
	def := (&Tool{Agents: []Agent{{Name: "greeter", Description: "Says hello."}, {Name: "seller"}}}).Definition()
	if def.Name != ToolName {
		t.Fatalf("name=%q", def.Name)
	}
	if enum := def.Parameters.Properties["destination_agent"].Enum; !reflect.DeepEqual(enum, []any{"greeter", "seller"}) {
		t.Fatalf("enum=%v", enum)
	}
	if !reflect.DeepEqual(def.Parameters.Required, []string{"destination_agent"}) {
		t.Fatalf("required=%v", def.Parameters.Required)
	}
	if !strings.Contains(def.Description, "greeter: Says hello.") {
		t.Fatalf("description=%q", def.Description)
	}
}
