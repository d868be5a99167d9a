package events

import (
	"fmt"
)

// ChannelResolver determines which channels an event fans out to.
type ChannelResolver interface {
	ResolveChannels(event Event) []string
}

type HybridChannelResolver struct{}

func NewHybridChannelResolver() *HybridChannelResolver {
	return &HybridChannelResolver{}
}

func (r *HybridChannelResolver) ResolveChannels(event Event) []string {
	var channels []string

	switch e := event.(type) {
	case MessageCreatedEvent:
		if e.ConversationID.Valid {
			channels = append(channels, fmt.Sprintf("channel:conversation:%s", e.ConversationID.UUID))
		}
		if e.GroupID.Valid {
			channels = append(channels, fmt.Sprintf("channel:group:%s", e.GroupID.UUID))
		}
	case ReceiptUpdatedEvent:
		channels = append(channels, fmt.Sprintf("channel:user:%s", e.SenderUserID))
	case EpochChangedEvent:
		channels = append(channels, fmt.Sprintf("channel:group:%s", e.GroupID))
	case BundleUpdatedEvent:
		channels = append(channels, fmt.Sprintf("channel:user:%s", e.UserID))
	case DeviceRevokedEvent:
		channels = append(channels, fmt.Sprintf("channel:user:%s", e.UserID))
	case PrekeyLowEvent:
		channels = append(channels, fmt.Sprintf("channel:user:%s", e.UserID))
	}

	return channels
}
