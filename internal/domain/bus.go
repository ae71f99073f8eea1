package domain

// MessageBus routes normalized messages between channel adapters and the
// agent engine consuming them.
type MessageBus interface {
	Publish(msg ChannelMessage)
	Subscribe() <-chan ChannelMessage
	SendOutbound(accountKey string, msg OutboundMessage) SendResult
	OnOutbound(accountKey string, handler func(OutboundMessage) SendResult)
	Close()
}
