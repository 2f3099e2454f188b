package uibridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/session"
)

// Commands accepted from the UI.
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandSendText = "send_text"
)

// Frame types written to the UI.
const (
	FrameState     = "state"
	FrameEvent     = "event"
	FrameTool      = "tool"
	FrameMalformed = "malformed"
	FrameAck       = "ack"
	FrameError     = "error"
)

type command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func decodeCommand(data []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return command{}, fmt.Errorf("invalid command frame: %w", err)
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	switch cmd.Type {
	case CommandStart, CommandStop:
	case CommandSendText:
		if strings.TrimSpace(cmd.Text) == "" {
			return command{}, fmt.Errorf("send_text requires text")
		}
	case "":
		return command{}, fmt.Errorf("command type is required")
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.Type)
	}
	return cmd, nil
}

type stateFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Previous  string `json:"previous,omitempty"`
	Error     string `json:"error,omitempty"`
}

type eventFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

type toolFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

type malformedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

type ackFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	State   string `json:"state"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// encodeEvent renders a controller event as a UI frame.
func encodeEvent(ev session.Event) ([]byte, error) {
	switch ev.Kind {
	case session.EventState:
		return json.Marshal(stateFrame{
			Type:      FrameState,
			SessionID: ev.SessionID,
			State:     string(ev.State),
			Previous:  string(ev.Previous),
			Error:     errString(ev.Err),
		})
	case session.EventServer:
		eventType, data := describeServerEvent(ev.Server)
		return json.Marshal(eventFrame{
			Type:      FrameEvent,
			SessionID: ev.SessionID,
			EventType: eventType,
			Data:      data,
		})
	case session.EventTool:
		if ev.Tool == nil {
			return nil, fmt.Errorf("tool event without outcome")
		}
		return json.Marshal(toolFrame{
			Type:      FrameTool,
			SessionID: ev.SessionID,
			Name:      ev.Tool.Name,
			CallID:    ev.Tool.CallID,
			Output:    ev.Tool.Output,
			Error:     errString(ev.Tool.Err),
		})
	case session.EventMalformed:
		return json.Marshal(malformedFrame{
			Type:      FrameMalformed,
			SessionID: ev.SessionID,
			Error:     errString(ev.Err),
		})
	default:
		return nil, fmt.Errorf("unsupported event kind %q", ev.Kind)
	}
}

func describeServerEvent(ev protocol.ServerEvent) (string, map[string]any) {
	switch e := ev.(type) {
	case protocol.SessionCreated:
		return e.EventType(), map[string]any{"session_id": e.SessionID}
	case protocol.ConversationItemCreated:
		return e.EventType(), map[string]any{
			"item_id":     e.ItemID,
			"role":        e.Role,
			"text":        e.Text,
			"placeholder": e.Placeholder,
		}
	case protocol.ResponseDone:
		var calls []string
		for _, fc := range e.FunctionCalls() {
			calls = append(calls, fc.Name)
		}
		var transcripts []string
		for _, item := range e.OutputItems {
			if msg, ok := item.(protocol.Message); ok {
				if t := msg.Transcript(); t != "" {
					transcripts = append(transcripts, t)
				}
			}
		}
		return e.EventType(), map[string]any{
			"response_id":    e.ResponseID,
			"status":         e.Status,
			"function_calls": calls,
			"transcripts":    transcripts,
		}
	case protocol.Unknown:
		data := map[string]any{"raw_type": e.RawType}
		if e.IsError() {
			data["error"] = e.ErrorMessage()
		}
		return e.EventType(), data
	case nil:
		return "unknown", nil
	default:
		return ev.EventType(), nil
	}
}
