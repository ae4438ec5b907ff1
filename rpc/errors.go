package rpc

import "errors"

// ErrBusy is returned by Call when the in-flight request ceiling
// (config.MaxInFlight) is already saturated. Callers should back off
// rather than retry immediately.
var ErrBusy = errors.New("rpc: busy, too many in-flight requests")

// ErrTimeout is returned by Call when no response arrived before the
// configured RPC timeout elapsed.
var ErrTimeout = errors.New("rpc: request timed out")

// ErrClosed is returned by Call once the engine has been stopped.
var ErrClosed = errors.New("rpc: engine closed")
