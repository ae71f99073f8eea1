package domain

import "context"

// ChannelStatus is the connection state of an adapter instance.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusError        ChannelStatus = "error"
)

// ChannelConfig is the caller-owned configuration handed to an adapter at
// Connect. Adapters must not mutate it. Credentials and settings are
// platform-specific and validated only by presence.
type ChannelConfig struct {
	AccountID   string            `json:"accountId"`
	Credentials map[string]string `json:"credentials"`
	Settings    map[string]any    `json:"settings,omitempty"`
}

// Credential returns the named credential or "".
func (c ChannelConfig) Credential(key string) string {
	return c.Credentials[key]
}

// SettingString returns the named setting as a string, or "" when absent.
func (c ChannelConfig) SettingString(key string) string {
	if v, ok := c.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SettingInt returns the named setting as an int, or def when absent or not
// numeric. JSON decoding produces float64 for numbers, so both are accepted.
func (c ChannelConfig) SettingInt(key string, def int) int {
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// SettingStringList returns the named setting as a string slice. Values
// decoded from JSON arrive as []any, so both forms are accepted.
func (c ChannelConfig) SettingStringList(key string) []string {
	switch v := c.Settings[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MessageHandler receives normalized inbound messages.
type MessageHandler func(ChannelMessage)

// StatusHandler receives status transitions.
type StatusHandler func(ChannelStatus)

// Adapter is the contract every platform adapter implements. One instance
// owns at most one live connection resource (polling loop, socket, or HTTP
// listener) at a time.
type Adapter interface {
	Type() ChannelType
	AccountID() string
	Status() ChannelStatus

	// Connect validates credentials against the provider before declaring
	// success. Missing credentials or provider rejection leave the adapter
	// in StatusError and return the failure.
	Connect(ctx context.Context, cfg ChannelConfig) error

	// Disconnect is idempotent and safe to call before Connect. It always
	// leaves the adapter in StatusDisconnected.
	Disconnect() error

	// SendMessage never fails out-of-band; network and provider errors are
	// captured in the returned SendResult.
	SendMessage(ctx context.Context, msg OutboundMessage) SendResult

	// DownloadFile resolves an opaque attachment reference to inline bytes.
	// It returns nil on any failure, including oversized files.
	DownloadFile(ctx context.Context, ref string) *FileData

	// OnMessage and OnStatusChange register handlers and return an
	// unsubscribe func scoped to that one registration.
	OnMessage(h MessageHandler) (unsubscribe func())
	OnStatusChange(h StatusHandler) (unsubscribe func())
}
