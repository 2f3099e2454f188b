package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/vango-go/vai-rtc/pkg/core"
)

// ServerEvent is the closed set of inbound messages. Every decoded payload is
// exactly one of SessionCreated, ConversationItemCreated, ResponseDone or
// Unknown.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

type SessionCreated struct {
	EventID   string
	SessionID string
}

func (SessionCreated) EventType() string { return TypeSessionCreated }
func (SessionCreated) serverEvent()      {}

// ConversationItemCreated announces a new conversation item. Placeholder is set
// for user items that have no text yet (transcription still in progress); Text
// is left as received.
type ConversationItemCreated struct {
	EventID     string
	ItemID      string
	Role        string
	Text        string
	Placeholder bool
}

func (ConversationItemCreated) EventType() string { return TypeConversationItemCreated }
func (ConversationItemCreated) serverEvent()      {}

type ResponseDone struct {
	EventID     string
	ResponseID  string
	Status      string
	OutputItems []OutputItem
}

func (ResponseDone) EventType() string { return TypeResponseDone }
func (ResponseDone) serverEvent()      {}

// FunctionCalls returns the function_call items in output order.
func (r ResponseDone) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, item := range r.OutputItems {
		if call, ok := item.(FunctionCall); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// Unknown carries any inbound message whose type is not modelled.
type Unknown struct {
	RawType string
	Raw     json.RawMessage
}

func (Unknown) EventType() string { return "unknown" }
func (Unknown) serverEvent()      {}
func (u Unknown) IsError() bool   { return u.RawType == TypeError }
func (u Unknown) ErrorMessage() string {
	return gjson.GetBytes(u.Raw, "error.message").String()
}

// OutputItem is one entry of response.done output.
type OutputItem interface {
	ItemType() string
}

type FunctionCall struct {
	ID            string
	Name          string
	CallID        string
	ArgumentsJSON string
}

func (FunctionCall) ItemType() string { return ItemTypeFunctionCall }

type Message struct {
	ID           string
	Role         string
	ContentParts []ContentPart
}

func (Message) ItemType() string { return ItemTypeMessage }

// Transcript joins the text or transcript of every content part.
func (m Message) Transcript() string {
	parts := make([]string, 0, len(m.ContentParts))
	for _, part := range m.ContentParts {
		if text := firstNonEmpty(part.Text, part.Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

type wireItem struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Role      string        `json:"role"`
	Name      string        `json:"name"`
	CallID    string        `json:"call_id"`
	Arguments string        `json:"arguments"`
	Content   []wireContent `json:"content"`
}

type wireContent struct {
	Type       string  `json:"type"`
	Text       *string `json:"text"`
	Transcript *string `json:"transcript"`
}

func (c wireContent) part() ContentPart {
	p := ContentPart{Type: c.Type}
	if c.Text != nil {
		p.Text = *c.Text
	}
	if c.Transcript != nil {
		p.Transcript = *c.Transcript
	}
	return p
}

var errNotObject = errors.New("message is not a JSON object")

// Decode classifies one inbound channel message. Undecodable input yields a
// *core.MalformedEventError; unrecognized types yield Unknown.
func Decode(data []byte) (ServerEvent, error) {
	if !utf8.Valid(data) {
		return nil, malformed(data, errors.New("invalid utf-8"))
	}
	if !gjson.ValidBytes(data) {
		return nil, malformed(data, errors.New("invalid json"))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, malformed(data, errNotObject)
	}
	typ := strings.TrimSpace(root.Get("type").String())
	eventID := root.Get("event_id").String()

	switch typ {
	case TypeSessionCreated:
		var msg struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(data, fmt.Errorf("decode %s: %w", typ, err))
		}
		return SessionCreated{EventID: eventID, SessionID: msg.Session.ID}, nil

	case TypeConversationItemCreated:
		var msg struct {
			Item wireItem `json:"item"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(data, fmt.Errorf("decode %s: %w", typ, err))
		}
		text := ""
		if len(msg.Item.Content) > 0 {
			first := msg.Item.Content[0].part()
			text = firstNonEmpty(first.Text, first.Transcript)
		}
		return ConversationItemCreated{
			EventID:     eventID,
			ItemID:      msg.Item.ID,
			Role:        msg.Item.Role,
			Text:        text,
			Placeholder: msg.Item.Role == "user" && text == "",
		}, nil

	case TypeResponseDone:
		var msg struct {
			Response struct {
				ID     string     `json:"id"`
				Status string     `json:"status"`
				Output []wireItem `json:"output"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(data, fmt.Errorf("decode %s: %w", typ, err))
		}
		items := make([]OutputItem, 0, len(msg.Response.Output))
		for _, raw := range msg.Response.Output {
			switch raw.Type {
			case ItemTypeFunctionCall:
				items = append(items, FunctionCall{
					ID:            raw.ID,
					Name:          raw.Name,
					CallID:        raw.CallID,
					ArgumentsJSON: raw.Arguments,
				})
			case ItemTypeMessage:
				parts := make([]ContentPart, 0, len(raw.Content))
				for _, c := range raw.Content {
					parts = append(parts, c.part())
				}
				items = append(items, Message{ID: raw.ID, Role: raw.Role, ContentParts: parts})
			}
		}
		return ResponseDone{
			EventID:     eventID,
			ResponseID:  msg.Response.ID,
			Status:      msg.Response.Status,
			OutputItems: items,
		}, nil

	default:
		return Unknown{RawType: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func malformed(data []byte, cause error) *core.MalformedEventError {
	return &core.MalformedEventError{Raw: append([]byte(nil), data...), Cause: cause}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
