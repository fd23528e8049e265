package mcprpc

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when a request is attempted without a
// completed handshake and the session cannot recover on its own.
var ErrNotInitialized = errors.New("session not initialized")

// TransportError wraps network and HTTP-level failures talking to the
// remote endpoint.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a JSON-RPC error object or a malformed response from
// the remote side. Distinct from a successful response whose payload
// reports a domain failure — that is the caller's concern.
type ProtocolError struct {
	Op      string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error during %s: %d %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Message)
}
