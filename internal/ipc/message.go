package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire type discriminators.
const (
	TypePing             = "ping"
	TypeInitialize       = "initialize"
	TypePrompt           = "prompt"
	TypePromptResponse   = "prompt_response"
	TypeInitializeStatus = "initialize_status"
)

// Message is one decoded wire message. The concrete type is one of Ping,
// Initialize, Prompt, PromptResponse, InitializeStatus or Unknown.
type Message interface {
	// Type returns the wire discriminator ("" for values without one).
	Type() string
	// Raw returns the verbatim JSON the message was decoded from, or nil
	// for messages built locally.
	Raw() json.RawMessage
}

type wire struct {
	raw json.RawMessage
}

func (w wire) Raw() json.RawMessage { return w.raw }

// Mode selects the role the worker joins the network in.
type Mode string

const (
	ModeWorker   Mode = "worker"   // share local compute
	ModeConsumer Mode = "consumer" // send prompts to the network
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeWorker, ModeConsumer:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q (want %q or %q)", ErrInvalidMode, s, ModeWorker, ModeConsumer)
	}
}

// Ping is the keep-alive probe. Timestamp is unix milliseconds.
type Ping struct {
	wire
	Timestamp int64 `json:"timestamp"`
}

func (Ping) Type() string { return TypePing }

// NewPing builds a ping stamped with t.
func NewPing(t time.Time) Ping { return Ping{Timestamp: t.UnixMilli()} }

// Initialize asks the worker to join the network in the given mode.
type Initialize struct {
	wire
	Mode Mode `json:"mode"`
}

func (Initialize) Type() string { return TypeInitialize }

// Prompt submits a prompt for the given model.
type Prompt struct {
	wire
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

func (Prompt) Type() string { return TypePrompt }

// PromptResponse carries the answer to a Prompt.
type PromptResponse struct {
	wire
	Content string `json:"content"`
}

func (PromptResponse) Type() string { return TypePromptResponse }

// InitializeStatus reports network status text after an Initialize.
type InitializeStatus struct {
	wire
	Text string `json:"text"`
}

func (InitializeStatus) Type() string { return TypeInitializeStatus }

// Unknown is any valid JSON value whose type is not recognized, or whose
// fields do not fit the variant for its type. Kind holds the type string
// when present.
type Unknown struct {
	wire
	Kind string
}

func (u Unknown) Type() string { return u.Kind }

// NewUnknown wraps raw JSON for forwarding. raw must be a valid JSON value.
func NewUnknown(raw []byte) (Unknown, error) {
	if !gjson.ValidBytes(raw) {
		return Unknown{}, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	return Unknown{wire: wire{raw: bytes.Clone(raw)}, Kind: typeOf(raw)}, nil
}

// Decode turns one complete JSON value into a Message. Only invalid JSON is
// malformed: a recognized type whose fields do not fit its variant is
// delivered as Unknown carrying the same type and raw JSON.
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	kept := json.RawMessage(bytes.Clone(raw))
	kind := typeOf(raw)

	if msg, ok := decodeKnown(kept, kind); ok {
		return msg, nil
	}
	return Unknown{wire: wire{raw: kept}, Kind: kind}, nil
}

func decodeKnown(kept json.RawMessage, kind string) (Message, bool) {
	switch kind {
	case TypePing:
		var m Ping
		if json.Unmarshal(kept, &m) != nil {
			return nil, false
		}
		m.raw = kept
		return m, true
	case TypeInitialize:
		var m Initialize
		if json.Unmarshal(kept, &m) != nil {
			return nil, false
		}
		m.raw = kept
		return m, true
	case TypePrompt:
		var m Prompt
		if json.Unmarshal(kept, &m) != nil {
			return nil, false
		}
		m.raw = kept
		return m, true
	case TypePromptResponse:
		var m PromptResponse
		if json.Unmarshal(kept, &m) != nil {
			return nil, false
		}
		m.raw = kept
		return m, true
	case TypeInitializeStatus:
		var m InitializeStatus
		if json.Unmarshal(kept, &m) != nil {
			return nil, false
		}
		m.raw = kept
		return m, true
	default:
		return nil, false
	}
}

// Encode serializes msg as compact JSON carrying its "type" field.
// Unknown messages are forwarded as their raw JSON.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	if u, ok := msg.(Unknown); ok {
		if len(u.raw) == 0 {
			return nil, errors.New("encode: unknown message without raw JSON")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, u.raw); err != nil {
			return nil, fmt.Errorf("encode %q: %w", u.Kind, err)
		}
		return buf.Bytes(), nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	data, err = sjson.SetBytes(data, "type", msg.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: stamping type: %w", msg.Type(), err)
	}
	return data, nil
}

func typeOf(raw []byte) string {
	t := gjson.GetBytes(raw, "type")
	if t.Type != gjson.String {
		return ""
	}
	return t.Str
}
