package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no live socket is held.
	// The message is dropped; it is never queued.
	ErrNotConnected = errors.New("worker channel not connected")

	// ErrConnectionLost is returned when the socket fails mid-write or a
	// dial is abandoned because the channel was closed meanwhile.
	ErrConnectionLost = errors.New("worker connection lost")

	// ErrMalformedMessage marks a framed chunk that could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrFrameTooLarge is reported when the accumulation buffer outgrows the
	// frame limit without producing a message. It wraps ErrMalformedMessage.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrMalformedMessage)

	// ErrInvalidMode is returned for initialize modes other than worker/consumer.
	ErrInvalidMode = errors.New("invalid mode")
)
