package models

import "errors"

// Pipeline error taxonomy. Components wrap these with %w so callers can use errors.Is.
var (
	// ErrFrameDecode means a referenced image could not be loaded or decoded
	ErrFrameDecode = errors.New("frame decode failed")

	// ErrTransportConnect means the delivery channel could not be established at startup
	ErrTransportConnect = errors.New("transport connect failed")

	// ErrTransport means publish/ack failed on an established channel
	ErrTransport = errors.New("transport failure")

	// ErrInvalidInput means a request or message was rejected before processing
	ErrInvalidInput = errors.New("invalid input")
)
