package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types exchanged over the peer link and mobile gateway sockets.
const (
	TypeAuth         = "auth"
	TypeAuthResponse = "auth_response"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeEvent        = "event"
	TypeHeartbeat    = "heartbeat"
)

// Frame is the single envelope for every message on a connection.
// Request/response pairs correlate on ID, a per-connection counter
// assigned by the requester; events carry a topic instead.
type Frame struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Topic   string          `json:"topic,omitempty"`
}

// AuthPayload is the first frame a client must send after connecting.
type AuthPayload struct {
	Token      string `json:"token,omitempty"`
	Secret     string `json:"secret,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
}

// AuthResult is the payload of an auth_response frame.
type AuthResult struct {
	SessionID  string `json:"session_id,omitempty"`
	Token      string `json:"token,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`
}

func NewRequest(id int64, action string, payload any) (Frame, error) {
	f := Frame{Type: TypeRequest, ID: id, Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal payload for %s: %w", action, err)
		}
		f.Payload = raw
	}
	return f, nil
}

func NewResponse(id int64, data any) (Frame, error) {
	ok := true
	f := Frame{Type: TypeResponse, ID: id, OK: &ok}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal response data: %w", err)
		}
		f.Data = raw
	}
	return f, nil
}

func NewErrorResponse(id int64, err *Error) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: err}
}

func NewEvent(topic string, payload any) (Frame, error) {
	f := Frame{Type: TypeEvent, Topic: topic}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal event %s: %w", topic, err)
		}
		f.Payload = raw
	}
	return f, nil
}

func Heartbeat() Frame {
	return Frame{Type: TypeHeartbeat}
}

// Succeeded reports whether a response frame carried ok=true.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// Err returns the frame error, or a generic internal error for a failed
// response that omitted one.
func (f Frame) Err() *Error {
	if f.Error != nil {
		return f.Error
	}
	if f.Type == TypeResponse && !f.Succeeded() {
		return NewError(CodeInternal, "request failed")
	}
	return nil
}

// SplitAction breaks "namespace.verb" into its parts.
func SplitAction(action string) (namespace, verb string, ok bool) {
	i := strings.IndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}
