// Package rpc implements JSON-RPC 2.0 framing for the agent channel. Frames
// are parsed into a tagged sum type at the wire boundary so the rest of the
// server never touches raw maps.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// MaxFrameBytes is the default hard cap on a single frame. Frames above it
// are a protocol violation and close the stream.
const MaxFrameBytes = 1 << 20

// WebSocket close codes used by the agent channel.
const (
	CloseNormal            = 1000
	CloseProtocolViolation = 1002
	CloseAuthFailed        = 4001
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// FrameKind discriminates the three frame variants.
type FrameKind int

const (
	KindRequest FrameKind = iota
	KindResponse
	KindNotification
)

// Request is a correlated call expecting a Response with the same ID.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Response carries exactly one of Result or Err for the Request with ID.
type Response struct {
	ID     string
	Result json.RawMessage
	Err    *Error
}

// Notification is a fire-and-forget method call with no ID and no reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Frame is the parsed sum type. Exactly one of Request, Response, or
// Notification is non-nil, matching Kind.
type Frame struct {
	Kind         FrameKind
	Request      *Request
	Response     *Response
	Notification *Notification
}

// Error is a JSON-RPC error object. It doubles as the Go error surfaced to
// callers when the remote peer returns a failure.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProtocolError marks a frame that violates the wire schema. The session
// layer closes the stream when it sees one.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// wireFrame is the superset of all three variants used for (un)marshalling.
// idSet distinguishes "no id field" (notification) from `"id": ""`.
type wireFrame struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *string          `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// NewID returns a fresh universally-unique correlation id.
func NewID() string {
	return uuid.NewString()
}

// Parse validates and decodes one frame. maxBytes <= 0 selects MaxFrameBytes.
// Every failure is a *ProtocolError.
func Parse(data []byte, maxBytes int64) (*Frame, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}
	if int64(len(data)) > maxBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(data), maxBytes)}
	}

	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ProtocolError{Reason: "malformed JSON: " + err.Error()}
	}
	if w.JSONRPC != Version {
		return nil, &ProtocolError{Reason: fmt.Sprintf("jsonrpc version %q, want %q", w.JSONRPC, Version)}
	}

	switch {
	case w.Method != "" && w.ID != nil:
		if w.Result != nil || w.Error != nil {
			return nil, &ProtocolError{Reason: "request carries result or error"}
		}
		return &Frame{Kind: KindRequest, Request: &Request{ID: *w.ID, Method: w.Method, Params: w.Params}}, nil

	case w.Method != "":
		if w.Result != nil || w.Error != nil {
			return nil, &ProtocolError{Reason: "notification carries result or error"}
		}
		return &Frame{Kind: KindNotification, Notification: &Notification{Method: w.Method, Params: w.Params}}, nil

	case w.ID != nil:
		if (w.Result == nil) == (w.Error == nil) {
			return nil, &ProtocolError{Reason: "response must carry exactly one of result or error"}
		}
		resp := &Response{ID: *w.ID, Err: w.Error}
		if w.Result != nil {
			resp.Result = *w.Result
		}
		return &Frame{Kind: KindResponse, Response: resp}, nil

	default:
		return nil, &ProtocolError{Reason: "frame is neither request, response, nor notification"}
	}
}

// MarshalRequest encodes a request frame. Params must be JSON-serialisable.
func MarshalRequest(id, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return marshalChecked(wireFrame{JSONRPC: Version, ID: &id, Method: method, Params: raw})
}

// MarshalResponse encodes a success response frame.
func MarshalResponse(id string, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	r := json.RawMessage(raw)
	return marshalChecked(wireFrame{JSONRPC: Version, ID: &id, Result: &r})
}

// MarshalError encodes an error response frame.
func MarshalError(id string, code int, message string) ([]byte, error) {
	return marshalChecked(wireFrame{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}})
}

// MarshalNotification encodes a notification frame.
func MarshalNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return marshalChecked(wireFrame{JSONRPC: Version, Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// marshalChecked enforces the outbound frame-size cap. A frame the server
// itself cannot accept must never be sent to a peer.
func marshalChecked(w wireFrame) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), MaxFrameBytes)
	}
	return data, nil
}
