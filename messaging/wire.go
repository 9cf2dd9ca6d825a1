package messaging

import (
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// Socket wire messages. Every frame is a JSON object with an "op" field;
// routing reads the op with gjson before decoding the full payload, the
// same way payload envelopes are normalized in envelope.go.

type genericMessage struct {
	Op string `json:"op"`
}

// helloMessage is the client side of the handshake. The token rides in
// the frame as well as in the dial request so either transport path can
// authenticate.
type helloMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// welcomeMessage is the server's handshake acknowledgment. The channel
// is not considered connected until this frame is observed.
type welcomeMessage struct {
	Op     string `json:"op"`
	UserID string `json:"userId"`
}

type newMessageEvent struct {
	Op      string         `json:"op"`
	ChatID  string         `json:"chatId"`
	Message models.Message `json:"message"`
}

type messageUpdatedEvent struct {
	Op        string         `json:"op"`
	ChatID    string         `json:"chatId"`
	MessageID string         `json:"messageId"`
	Message   models.Message `json:"message"`
}

type messageDeletedEvent struct {
	Op        string `json:"op"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type newNotificationEvent struct {
	Op           string              `json:"op"`
	Notification models.Notification `json:"notification"`
}

// Client -> server commands.

type joinChatCommand struct {
	Op     string `json:"op"`
	ChatID string `json:"chatId"`
}

type joinNotificationsCommand struct {
	Op string `json:"op"`
}

type sendMessageCommand struct {
	Op          string `json:"op"`
	ChatID      string `json:"chatId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
}

// EventKind identifies a socket event forwarded to the engine loop.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPullOnly
	EventNewMessage
	EventMessageUpdated
	EventMessageDeleted
	EventNewNotification
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPullOnly:
		return "pull-only"
	case EventNewMessage:
		return "new-message"
	case EventMessageUpdated:
		return "message-updated"
	case EventMessageDeleted:
		return "message-deleted"
	case EventNewNotification:
		return "new-notification"
	default:
		return "unknown"
	}
}

// Event is a decoded push event. Exactly one of Message/Notification is
// set for entity events; lifecycle events carry neither.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	Message        *models.Message
	Notification   *models.Notification
}

// ConnState is the push channel lifecycle state. No transition skips
// Disconnected: the channel is never assumed connected until the
// handshake acknowledgment is observed.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StatePullOnly
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePullOnly:
		return "pull-only"
	default:
		return "unknown"
	}
}
