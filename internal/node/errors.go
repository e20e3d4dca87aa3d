package node

import (
	stderrors "errors"
	"fmt"
)

// NodeError is returned by every Client method that fails. Unavailable is set
// when the node could not be reached at all (transport failure, HTTP error,
// open circuit); otherwise the node answered and rejected the call.
type NodeError struct {
	Method      string
	Code        int
	Message     string
	Unavailable bool
	Err         error
}

func (e *NodeError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("node %s unavailable: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("node %s failed (code %d): %s", e.Method, e.Code, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a NodeError caused by an unreachable node.
func IsUnavailable(err error) bool {
	var ne *NodeError
	return stderrors.As(err, &ne) && ne.Unavailable
}

// httpStatusError is a non-200 response without a JSON-RPC error body.
type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}
