package hub

// EventType represents a WebSocket event type sent from server to client.
type EventType string

const (
	EventMessageCreate EventType = "MESSAGE_CREATE"
	EventMessageUpdate EventType = "MESSAGE_UPDATE"
	EventMessageDelete EventType = "MESSAGE_DELETE"
	EventChannelCreate EventType = "CHANNEL_CREATE"
	EventChannelUpdate EventType = "CHANNEL_UPDATE"
	EventChannelDelete EventType = "CHANNEL_DELETE"
	EventRoleUpdate    EventType = "ROLE_UPDATE"
	EventMemberUpdate  EventType = "MEMBER_UPDATE"
	EventServerUpdate  EventType = "SERVER_UPDATE"
	EventDirectMessage EventType = "DIRECT_MESSAGE"
	EventTypingStart   EventType = "TYPING_START"
)

// Envelope is the wire format for all WebSocket messages.
type Envelope struct {
	Type    EventType `json:"t"`
	Payload any       `json:"d"`
}
