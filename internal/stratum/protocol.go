package stratum

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Method names on the wire
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Kind identifies a decoded request.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindAuthorize
	KindSubmit
	KindNotify
	KindSetDifficulty
)

var kindNames = map[string]Kind{
	MethodSubscribe:     KindSubscribe,
	MethodAuthorize:     KindAuthorize,
	MethodSubmit:        KindSubmit,
	MethodNotify:        KindNotify,
	MethodSetDifficulty: KindSetDifficulty,
}

// KindOf maps a method name to its Kind
func KindOf(method string) Kind {
	if k, ok := kindNames[method]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindAuthorize:
		return "authorize"
	case KindSubmit:
		return "submit"
	case KindNotify:
		return "notify"
	case KindSetDifficulty:
		return "set_difficulty"
	default:
		return "unknown"
	}
}

// Message is the raw JSON-RPC envelope read from a client.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is a reply to a client request. Result and error are always present.
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// Notification is a pool-initiated message.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Request is a client request decoded once at the protocol boundary. Exactly
// one of Subscribe, Authorize or Submit is set for the matching Kind, unless
// ParamsErr reports that the params did not fit the method.
type Request struct {
	ID        any
	Method    string
	Kind      Kind
	Subscribe *SubscribeRequest
	Authorize *AuthorizeRequest
	Submit    *SubmitRequest
	ParamsErr error
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// DecodeRequest parses one line into a Request. Lines that are not JSON, or
// are not requests (responses from the client), return an error.
func DecodeRequest(line []byte) (*Request, error) {
	msg, err := ParseMessage(line)
	if err != nil {
		return nil, err
	}
	if msg.Method == "" {
		return nil, fmt.Errorf("message without method")
	}

	req := &Request{ID: msg.ID, Method: msg.Method, Kind: KindOf(msg.Method)}
	switch req.Kind {
	case KindSubscribe:
		req.Subscribe, req.ParamsErr = ParseSubscribeRequest(msg.Params)
	case KindAuthorize:
		req.Authorize, req.ParamsErr = ParseAuthorizeRequest(msg.Params)
	case KindSubmit:
		req.Submit, req.ParamsErr = ParseSubmitRequest(msg.Params)
	}
	return req, nil
}

// encodeLine marshals v and appends the line delimiter.
func encodeLine(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// NewResponse creates a successful response
func NewResponse(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification creates a notification message
func NewNotification(method string, params []any) *Notification {
	return &Notification{Method: method, Params: params}
}

// ParseSubscribeRequest parses mining.subscribe parameters. All are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}
	if len(params) > 0 && params[0] != nil {
		userAgent, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("user agent must be string")
		}
		req.UserAgent = userAgent
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}
