package messaging

import "errors"

var (
	// ErrNotConnected is returned for commands issued while the owner has no channel.
	ErrNotConnected = errors.New("messaging: channel not connected")
	// ErrClosed is returned for commands issued after Close.
	ErrClosed = errors.New("messaging: owner closed")
	// ErrInvalidReplyCount is returned when an RPC request expects a negative number of replies.
	ErrInvalidReplyCount = errors.New("messaging: expected reply count must not be negative")
	// ErrNilProcessor is returned when an RPC server is built without a Processor.
	ErrNilProcessor = errors.New("messaging: processor is required")
	// ErrNilListener is returned when a consumer is built without a DeliveryListener.
	ErrNilListener = errors.New("messaging: delivery listener is required")
)
