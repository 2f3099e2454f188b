package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Outbound message types.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

// Inbound message types.
const (
	TypeSessionCreated          = "session.created"
	TypeConversationItemCreated = "conversation.item.created"
	TypeResponseDone            = "response.done"
	TypeError                   = "error"
)

// Output item and content part tags.
const (
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
	ItemTypeMessage            = "message"

	ContentInputText  = "input_text"
	ContentText       = "text"
	ContentAudio      = "audio"
	ContentInputAudio = "input_audio"
)

// OutboundEvent is any message the client writes to the channel.
type OutboundEvent interface {
	EventType() string
}

// ToolDefinition declares one callable function to the remote agent.
// Required fields live inside Parameters.Required.
type ToolDefinition struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ToolChoice is either "auto" (Name empty) or a specific function.
type ToolChoice struct {
	Mode string
	Name string
}

// ToolChoiceAuto lets the agent decide when to call tools.
var ToolChoiceAuto = ToolChoice{Mode: "auto"}

// ToolChoiceFunction forces the named function.
func ToolChoiceFunction(name string) ToolChoice {
	return ToolChoice{Mode: "function", Name: strings.TrimSpace(name)}
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(c.Name) != "" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}{Type: "function", Name: c.Name})
	}
	mode := strings.TrimSpace(c.Mode)
	if mode == "" {
		mode = "auto"
	}
	return json.Marshal(mode)
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		*c = ToolChoice{Mode: mode}
		return nil
	}
	var fn struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &fn); err != nil {
		return fmt.Errorf("tool_choice: %w", err)
	}
	*c = ToolChoice{Mode: fn.Type, Name: fn.Name}
	return nil
}

// InputAudioTranscription enables user-side transcripts.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the payload of session.update. It is immutable for the
// lifetime of an Active period.
type SessionConfig struct {
	Instructions            string                   `json:"instructions,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []ToolDefinition         `json:"tools"`
	ToolChoice              ToolChoice               `json:"tool_choice"`
}

// Validate checks that declared tools are well formed and unique.
func (c SessionConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Tools))
	for i, tool := range c.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tools[%d].name %q is declared twice", i, name)
		}
		seen[name] = struct{}{}
		if tool.Parameters == nil {
			return fmt.Errorf("tools[%d].parameters is required", i)
		}
	}
	if c.ToolChoice.Name != "" {
		if _, ok := seen[c.ToolChoice.Name]; !ok {
			return fmt.Errorf("tool_choice names undeclared tool %q", c.ToolChoice.Name)
		}
	}
	return nil
}

// Tool returns the declared tool with the given name.
func (c SessionConfig) Tool(name string) (ToolDefinition, bool) {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDefinition{}, false
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

func (e SessionUpdate) EventType() string { return TypeSessionUpdate }

// NewSessionUpdate wraps cfg in a session.update event.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

func (e ConversationItemCreate) EventType() string { return TypeConversationItemCreate }

// NewUserText builds a user-authored text message.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    ItemTypeMessage,
			Role:    "user",
			Content: []ContentPart{{Type: ContentInputText, Text: text}},
		},
	}
}

// NewFunctionCallOutput reports a tool result for callID.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

type ResponseCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func (e ResponseCreate) EventType() string { return TypeResponseCreate }

// NewResponseCreate asks the agent to produce a response.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// Encode serializes an outbound event as one UTF-8 text message.
func Encode(ev OutboundEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("outbound event is nil")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return data, nil
}
