package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// AccountKey identifies one managed adapter instance on the bus.
func AccountKey(t domain.ChannelType, accountID string) string {
	return string(t) + ":" + accountID
}

// New constructs a disconnected adapter for the given platform.
func New(t domain.ChannelType, accountID string, store domain.StateStore, logger *slog.Logger) (domain.Adapter, error) {
	switch t {
	case domain.ChannelTelegram:
		return NewTelegram(accountID, store, logger), nil
	case domain.ChannelSlack:
		return NewSlack(accountID, logger), nil
	case domain.ChannelWhatsApp:
		return NewWhatsApp(accountID, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", t)
	}
}

// Manager owns one adapter per configured account and bridges their
// normalized messages onto the bus. It consumes adapters only through the
// shared contract.
type Manager struct {
	logger *slog.Logger
	bus    domain.MessageBus
	store  domain.StateStore // may be nil
	events *bus.EventBus

	mu       sync.Mutex
	adapters map[string]domain.Adapter
	unsubs   map[string][]func()
}

func NewManager(messageBus domain.MessageBus, store domain.StateStore, logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger.With("component", "channel-manager"),
		bus:      messageBus,
		store:    store,
		events:   bus.NewEventBus(logger),
		adapters: make(map[string]domain.Adapter),
		unsubs:   make(map[string][]func()),
	}
}

// Events exposes the lifecycle event stream: connect, disconnect, status
// transitions, and message traffic.
func (m *Manager) Events() *bus.EventBus {
	return m.events
}

// Connect builds and connects an adapter for one account, wiring its
// messages and status changes into the bus and metrics.
func (m *Manager) Connect(ctx context.Context, t domain.ChannelType, cfg domain.ChannelConfig) error {
	key := AccountKey(t, cfg.AccountID)

	m.mu.Lock()
	if _, exists := m.adapters[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("channel %s already connected", key)
	}
	m.mu.Unlock()

	adapter, err := New(t, cfg.AccountID, m.store, m.logger)
	if err != nil {
		return err
	}

	unsubMsg := adapter.OnMessage(m.deliver)
	unsubStatus := adapter.OnStatusChange(func(s domain.ChannelStatus) {
		m.logger.Info("channel status changed", "channel", key, "status", s)
		m.events.Emit(bus.Event{
			Type:    bus.EventChannelStatus,
			Source:  key,
			Payload: map[string]any{"status": string(s)},
		})
		if s == domain.StatusError {
			metrics.Collector.Counter("relaybot_channel_errors_total",
				"Channels that entered the error state.",
				`channel="`+key+`"`).Inc()
		}
	})

	if err := adapter.Connect(ctx, cfg); err != nil {
		unsubMsg()
		unsubStatus()
		return err
	}

	m.bus.OnOutbound(key, func(out domain.OutboundMessage) domain.SendResult {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		start := time.Now()
		res := adapter.SendMessage(sendCtx, out)
		metrics.SendLatency.Observe(time.Since(start).Seconds())
		if res.Success {
			m.events.EmitAsync(bus.Event{
				Type:    bus.EventMessageSent,
				Source:  key,
				Payload: map[string]any{"externalId": res.ExternalID},
			})
			metrics.Collector.Counter("relaybot_outbound_messages_total",
				"Outbound messages accepted by the provider.",
				`channel="`+key+`"`).Inc()
		} else {
			metrics.Collector.Counter("relaybot_outbound_failures_total",
				"Outbound messages the provider rejected.",
				`channel="`+key+`"`).Inc()
		}
		return res
	})

	m.mu.Lock()
	m.adapters[key] = adapter
	m.unsubs[key] = []func(){unsubMsg, unsubStatus}
	m.mu.Unlock()

	metrics.Collector.Gauge("relaybot_channels_active",
		"Adapters currently managed.", "").Inc()
	m.events.Emit(bus.Event{Type: bus.EventChannelConnected, Source: key})
	return nil
}

// deliver publishes a normalized message. Re-delivery of an already-seen ID
// is passed through (consumers handle update-by-id) but counted separately.
func (m *Manager) deliver(msg domain.ChannelMessage) {
	metrics.Collector.Counter("relaybot_inbound_messages_total",
		"Normalized inbound messages.",
		`channel="`+string(msg.ChannelType)+`"`).Inc()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		fresh, err := m.store.MarkSeen(ctx, msg.ID)
		cancel()
		if err != nil {
			m.logger.Warn("seen-store update failed", "id", msg.ID, "err", err)
		} else if !fresh {
			m.logger.Debug("re-delivery of known message id", "id", msg.ID)
			metrics.Collector.Counter("relaybot_inbound_redeliveries_total",
				"Messages re-emitted under an already-seen id.", "").Inc()
		}
	}

	m.events.EmitAsync(bus.Event{
		Type:    bus.EventMessageReceived,
		Source:  AccountKey(msg.ChannelType, msg.AccountID),
		Payload: map[string]any{"id": msg.ID},
	})
	m.bus.Publish(msg)
}

// Disconnect tears down a single account. Unknown keys are a no-op.
func (m *Manager) Disconnect(key string) error {
	m.mu.Lock()
	adapter := m.adapters[key]
	unsubs := m.unsubs[key]
	delete(m.adapters, key)
	delete(m.unsubs, key)
	m.mu.Unlock()

	if adapter == nil {
		return nil
	}
	for _, u := range unsubs {
		u()
	}
	metrics.Collector.Gauge("relaybot_channels_active",
		"Adapters currently managed.", "").Dec()
	m.events.Emit(bus.Event{Type: bus.EventChannelDisconnected, Source: key})
	return adapter.Disconnect()
}

// DisconnectAll tears down every managed adapter.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.adapters))
	for key := range m.adapters {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := m.Disconnect(key); err != nil {
			m.logger.Warn("disconnect failed", "channel", key, "err", err)
		}
	}
}

// Adapter returns the managed adapter for key, for DownloadFile access.
func (m *Manager) Adapter(key string) (domain.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[key]
	return a, ok
}

// Statuses reports the current status of every managed adapter.
func (m *Manager) Statuses() map[string]domain.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.ChannelStatus, len(m.adapters))
	for key, a := range m.adapters {
		out[key] = a.Status()
	}
	return out
}
