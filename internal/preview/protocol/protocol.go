package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Type discriminates protocol messages
type Type string

// Core types are produced by the preview bootstrap and validated strictly
const (
	TypeConsoleLog  Type = "console-log"
	TypeIframeError Type = "iframe-error"
)

// Extension types ride the same channel. Their payloads are passed through
// untouched, except execute-request which the host answers.
const (
	TypeCodeContent        Type = "code-content"
	TypeLanguageSwitch     Type = "language-switch"
	TypePasteLimitExceeded Type = "paste-limit-exceeded"
	TypeExecuteRequest     Type = "execute-request"
	TypeExecuteResponse    Type = "execute-response"
)

var known = map[Type]bool{
	TypeConsoleLog:         true,
	TypeIframeError:        true,
	TypeCodeContent:        true,
	TypeLanguageSwitch:     true,
	TypePasteLimitExceeded: true,
	TypeExecuteRequest:     true,
	TypeExecuteResponse:    true,
}

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Known reports whether t is part of the protocol
func (t Type) Known() bool {
	return known[t]
}

// Core reports whether t is produced by the bootstrap itself
func (t Type) Core() bool {
	return t == TypeConsoleLog || t == TypeIframeError
}

// Message is the envelope for every cross-context message
type Message struct {
	Type     Type            `json:"type"`
	Instance string          `json:"instance,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ValidationError reports a payload that does not match its type's schema
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s: %s", e.Type, e.Field, e.Reason)
}

// New builds a message with an encoded payload
func New(t Type, payload any) (*Message, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	m := &Message{Type: t}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// Encode serializes a message
func Encode(m *Message) ([]byte, error) {
	return sonic.Marshal(m)
}

// Decode parses and validates a message. Unknown types fail with
// ErrUnknownType; core payloads that violate their schema fail with a
// *ValidationError.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the envelope and, for core types, the payload schema
func Validate(m *Message) error {
	if m == nil || m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	switch m.Type {
	case TypeConsoleLog:
		var ev ConsoleEvent
		if err := m.Bind(&ev); err != nil {
			return err
		}
		return ev.Validate()
	case TypeIframeError:
		var ev ErrorEvent
		if err := m.Bind(&ev); err != nil {
			return err
		}
		return ev.Validate()
	case TypeExecuteRequest:
		var req ExecuteRequest
		if err := m.Bind(&req); err != nil {
			return err
		}
		return req.Validate()
	}
	return nil
}

// Bind decodes the payload into v
func (m *Message) Bind(v any) error {
	if len(m.Payload) == 0 {
		return &ValidationError{Type: m.Type, Reason: "missing payload"}
	}
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return &ValidationError{Type: m.Type, Reason: err.Error()}
	}
	return nil
}

// Console decodes a console-log payload
func (m *Message) Console() (*ConsoleEvent, error) {
	if m.Type != TypeConsoleLog {
		return nil, fmt.Errorf("not a %s message: %s", TypeConsoleLog, m.Type)
	}
	var ev ConsoleEvent
	if err := m.Bind(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Fault decodes an iframe-error payload
func (m *Message) Fault() (*ErrorEvent, error) {
	if m.Type != TypeIframeError {
		return nil, fmt.Errorf("not a %s message: %s", TypeIframeError, m.Type)
	}
	var ev ErrorEvent
	if err := m.Bind(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
