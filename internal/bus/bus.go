package bus

import (
	"context"
	"log/slog"
)

const defaultQueueSize = 256

// MessageBus is the in-process MessageRouter implementation: two buffered
// queues decoupling connector adapters from the dispatch pipeline.
type MessageBus struct {
	inbound  chan Envelope
	outbound chan OutboundMessage
}

// NewMessageBus creates a bus with the default queue capacity.
func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultQueueSize)
}

// NewMessageBusSize creates a bus with explicit queue capacity.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan Envelope, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues an inbound envelope. When the queue is full the
// message is dropped with a warning rather than blocking the connector.
func (b *MessageBus) PublishInbound(msg Envelope) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"connector", msg.Connector, "sender", msg.SenderID)
	}
}

// ConsumeInbound blocks until an envelope arrives or ctx is done.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Envelope, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// PublishOutbound enqueues an outbound message for connector transmission.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message",
			"connector", msg.Connector, "to", msg.To)
	}
}

// ConsumeOutbound blocks until an outbound message arrives or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

var _ MessageRouter = (*MessageBus)(nil)
