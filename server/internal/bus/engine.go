package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openvoiceos/ovos-messagebus/pkg/types"
	"github.com/openvoiceos/ovos-messagebus/server/internal/metrics"
	"github.com/openvoiceos/ovos-messagebus/server/internal/registry"
)

// Engine routes inbound frames to their recipients.
//
// Engine holds no mutable state of its own; it is safe for concurrent use by
// any number of read loops.
type Engine struct {
	reg      *registry.Registry
	maxBytes int
	metrics  *metrics.Metrics
}

// New creates an Engine that delivers through reg and rejects frames larger
// than maxBytes. A nil m discards metrics.
func New(reg *registry.Registry, maxBytes int, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.Discard()
	}
	return &Engine{reg: reg, maxBytes: maxBytes, metrics: m}
}

// MaxBytes returns the largest accepted frame size in bytes.
func (e *Engine) MaxBytes() int { return e.maxBytes }

// Handle processes one frame sent by src. It returns the number of recipients
// the message was enqueued to, and a non-nil error wrapping
// ErrOversizeMessage or ErrMalformedEnvelope when the frame was rejected.
func (e *Engine) Handle(src registry.ID, frame []byte) (int, error) {
	e.metrics.FramesReceived.Inc()

	if len(frame) > e.maxBytes {
		return 0, e.rejectOversize(src, len(frame))
	}

	msg, err := types.Decode(frame)
	if err != nil {
		return 0, e.rejectMalformed(src, err)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return 0, e.rejectMalformed(src, err)
	}

	if ids, ok := msg.Destinations(); ok {
		e.metrics.MessagesRelayed.WithLabelValues(metrics.ModeDirect).Inc()
		return e.direct(ids, out), nil
	}
	e.metrics.MessagesRelayed.WithLabelValues(metrics.ModeBroadcast).Inc()
	return e.broadcast(src, out), nil
}

// RejectOversize reports a frame of size bytes from src that the transport
// refused to buffer in full. The frame is counted as received.
func (e *Engine) RejectOversize(src registry.ID, size int) error {
	e.metrics.FramesReceived.Inc()
	return e.rejectOversize(src, size)
}

func (e *Engine) rejectOversize(src registry.ID, size int) error {
	e.metrics.FramesRejected.WithLabelValues(metrics.ReasonOversize).Inc()
	e.reply(src, CodeMessageTooLarge,
		fmt.Sprintf("message of %d bytes exceeds the %d byte limit", size, e.maxBytes),
		map[string]any{"size": size, "max_bytes": e.maxBytes},
	)
	return fmt.Errorf("%w: %d bytes > %d", ErrOversizeMessage, size, e.maxBytes)
}

func (e *Engine) rejectMalformed(src registry.ID, cause error) error {
	e.metrics.FramesRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
	e.reply(src, CodeMalformedEnvelope, cause.Error(), nil)
	return fmt.Errorf("%w: %v", ErrMalformedEnvelope, cause)
}

// broadcast delivers frame to every registered connection except src.
func (e *Engine) broadcast(src registry.ID, frame []byte) int {
	delivered := 0
	for _, entry := range e.reg.Snapshot() {
		if entry.ID == src {
			continue
		}
		if e.deliver(entry.ID, entry.Out, frame) {
			delivered++
		}
	}
	return delivered
}

// direct delivers frame to each listed id that is currently registered.
// The sender is not excluded when it lists itself.
func (e *Engine) direct(ids []registry.ID, frame []byte) int {
	delivered := 0
	for _, id := range ids {
		out, ok := e.reg.Lookup(id)
		if !ok {
			continue
		}
		if e.deliver(id, out, frame) {
			delivered++
		}
	}
	return delivered
}

// deliver enqueues frame to one recipient, dropping the recipient on failure.
func (e *Engine) deliver(id registry.ID, out registry.Outbound, frame []byte) bool {
	if err := out.Send(frame); err != nil {
		e.drop(id, out, err)
		return false
	}
	e.metrics.Deliveries.Inc()
	return true
}

func (e *Engine) drop(id registry.ID, out registry.Outbound, cause error) {
	e.metrics.DeliveryFailures.Inc()
	if e.reg.Unregister(id) {
		e.metrics.ActiveConnections.Dec()
	}
	out.Close()
	slog.Debug("bus: dropped recipient",
		"conn_id", id, "err", fmt.Errorf("%w: %v", ErrDeliveryFailure, cause))
}

// reply sends an error envelope to src only.
func (e *Engine) reply(src registry.ID, code, text string, extra map[string]any) {
	out, ok := e.reg.Lookup(src)
	if !ok {
		return
	}

	data := map[string]any{"error": code, "message": text}
	for k, v := range extra {
		data[k] = v
	}
	msg, err := types.New(ErrorType, data)
	if err != nil {
		slog.Error("bus: build error envelope", "err", err)
		return
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("bus: encode error envelope", "err", err)
		return
	}
	if err := out.Send(frame); err != nil {
		e.drop(src, out, err)
	}
}
