// Package transport carries opaque command payloads between TorvusDB nodes.
// It offers two interchangeable network executors: an HTTP/3 (QUIC) client
// and a pooled-TCP client with length-prefixed frames, plus the matching
// server sides. Payload encoding is the caller's concern; the only structure
// this package understands is the JSON command envelope used to extract a
// command status from a reply.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrCommandCanceled is reported when an in-flight command's handle was
	// canceled before the reply arrived.
	ErrCommandCanceled = errors.New("transport: remote command canceled")

	// ErrExecutorClosed is returned when scheduling on a closed executor.
	ErrExecutorClosed = errors.New("transport: executor closed")
)

// CommandRequest describes one command to deliver to a host.
type CommandRequest struct {
	// Host is the host:port of the destination node.
	Host string
	// Payload is the opaque, already-encoded command document.
	Payload []byte
	// Timeout bounds the full round trip. Zero means no deadline.
	Timeout time.Duration
}

// CommandResponse is the reply to a successfully delivered command. Elapsed
// is measured on the sending node.
type CommandResponse struct {
	Payload []byte
	Elapsed time.Duration
}

// CommandCallback receives the outcome of a scheduled command. It is always
// invoked exactly once, from a transport goroutine, never synchronously from
// inside the scheduling call.
type CommandCallback func(CommandResponse, error)

// CommandHandle identifies one in-flight command and allows canceling it.
// Cancel is idempotent and only requests abort; the callback still fires.
type CommandHandle interface {
	Cancel()
}
