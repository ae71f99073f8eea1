package bus

import (
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus between the channel layer
// and the consumer. Inbound messages flow through a bounded queue; outbound
// replies are routed to the handler registered per account key.
type InMemoryBus struct {
	inbound  chan domain.ChannelMessage
	handlers map[string]func(domain.OutboundMessage) domain.SendResult
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.ChannelMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage) domain.SendResult),
		logger:   logger,
	}
}

// Publish enqueues an inbound message. Blocks up to 10 seconds when the bus
// is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.ChannelMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "id", msg.ID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", "channel", msg.ChannelType, "id", msg.ID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
		case <-timer.C:
			b.logger.Error("message dropped: bus full",
				"channel", msg.ChannelType,
				"id", msg.ID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.ChannelMessage {
	return b.inbound
}

// SendOutbound routes a reply to the account's registered handler. A
// missing handler is reported in the result, never as a panic.
func (b *InMemoryBus) SendOutbound(accountKey string, msg domain.OutboundMessage) domain.SendResult {
	b.mu.RLock()
	handler, ok := b.handlers[accountKey]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", accountKey)
		return domain.SendResult{Error: "no channel registered for " + accountKey}
	}
	return handler(msg)
}

func (b *InMemoryBus) OnOutbound(accountKey string, handler func(domain.OutboundMessage) domain.SendResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[accountKey] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
