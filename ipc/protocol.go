// Package ipc implements the daemon's local control channel: newline-delimited JSON
// requests and responses over a unix socket.
package ipc

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"feedwise/storage"
)

// Error codes carried in Response.Error.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotFound       = -32004
)

// Method names.
const (
	MethodPing               = "ping"
	MethodStatus             = "status"
	MethodFeedList           = "feed.list"
	MethodFeedAdd            = "feed.add"
	MethodFeedDelete         = "feed.delete"
	MethodFeedRefresh        = "feed.refresh"
	MethodArticleList        = "article.list"
	MethodArticleGet         = "article.get"
	MethodArticleMarkRead    = "article.mark_read"
	MethodArticleMarkUnread  = "article.mark_unread"
	MethodArticleToggleSaved = "article.toggle_saved"
	MethodArticleSearch      = "article.search"
	MethodArticleTrack       = "article.track"
)

// FeedRefreshIntervalKey names the default per-feed interval in status intervals.
const FeedRefreshIntervalKey = "feed_refresh"

// Request is one line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a structured failure returned to the client.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("ipc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams wraps a params decoding or validation failure.
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

// toError maps a handler error to the code the client sees.
func toError(err error) *Error {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, storage.ErrDuplicate):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

// decodeRequest parses one line. A failure still returns whatever id could be recovered.
func decodeRequest(line []byte) (*Request, *Error) {
	if !json.Valid(line) {
		return nil, &Error{Code: CodeParseError, Message: "parse error: invalid JSON"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid request: expected a JSON object"}
	}

	req := &Request{}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &req.ID); err != nil {
			return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: id must be a string"}
		}
	}
	if req.ID == "" {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: missing id"}
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &req.Method); err != nil {
			return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: method must be a string"}
		}
	}
	if req.Method == "" {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: missing method"}
	}
	if raw, ok := fields["params"]; ok && string(raw) != "null" {
		req.Params = raw
	}
	return req, nil
}

// decodeParams unmarshals params into v. Absent params leave v at its zero value.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams(err)
	}
	return nil
}
