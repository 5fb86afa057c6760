package bus

import "errors"

var (
	// ErrOversizeMessage is returned when a frame exceeds the size limit.
	ErrOversizeMessage = errors.New("message exceeds max_msg_size")

	// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDeliveryFailure wraps a recipient-side send error. It is logged and
	// counted, never returned to the sender.
	ErrDeliveryFailure = errors.New("delivery failed")
)

// ErrorType is the envelope type of every message the bus itself originates.
const ErrorType = "bus.error"

// Error codes carried in the data of an ErrorType envelope.
const (
	CodeMessageTooLarge   = "message_too_large"
	CodeMalformedEnvelope = "malformed_envelope"
)
