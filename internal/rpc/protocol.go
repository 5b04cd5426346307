// Package rpc implements the stdio JSON-RPC 2.0 surface of the gateway:
// newline-delimited framing, the method dispatcher, the single-writer
// response path, and the workers that execute deferred requests.
package rpc

import "encoding/json"

// DaemonVersion is reported by the version method and the -v flag.
const DaemonVersion = "1.0.0"

// ProtocolVersion is the JSON-RPC version the daemon speaks.
const ProtocolVersion = "2.0"

// JSON-RPC 2.0 error codes, plus the gateway's cancellation code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCancelled      = -32000
)

// Request is one parsed JSON-RPC frame. ID is nil when the member is
// absent (notification); it is kept as raw JSON so the response echoes the
// client's value byte-for-byte across the deferred gap.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the error member of a failure response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one outgoing JSON-RPC frame. Exactly one of Result and Err
// is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// nullID is the id used for responses to unparsable frames.
var nullID = json.RawMessage("null")

func successResponse(id json.RawMessage, result any) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: ProtocolVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: ProtocolVersion, ID: id, Err: &Error{Code: code, Message: message}}
}
