package models

import "time"

// User is a marketplace account, as returned by the current-user endpoint.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Conversation is a buyer/seller chat thread, optionally tied to a listing.
// UnreadCount maps participant ID to that participant's unread total. The
// count only grows by one per received message and is reset to zero by an
// explicit read action, never by a merge.
type Conversation struct {
	ID            string         `json:"id"`
	ListingID     string         `json:"listingId,omitempty"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId"`
	LastMessage   string         `json:"lastMessage,omitempty"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	UnreadCount   map[string]int `json:"unreadCount"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MessageType distinguishes plain text from future attachment kinds.
type MessageType string

const MessageTypeText MessageType = "text"

// Message belongs to exactly one conversation. Identity and CreatedAt are
// immutable once assigned by the server. A deleted message stays in the
// timeline as a tombstone: IsDeleted hides the body from render but the
// identity and position are retained so ordering never shifts.
//
// Pending marks a locally-created optimistic entry whose identity is a
// client-generated placeholder; it is replaced, never duplicated, by the
// server-confirmed message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"chatId"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"message"`
	Type           MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	IsDeleted      bool        `json:"isDeleted"`
	Pending        bool        `json:"-"`
}

// Edited reports whether the message body has been modified by its sender.
func (m Message) Edited() bool {
	return m.EditedAt != nil
}

// NotificationType is the severity/category of a notification.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a single entry in a user's notification feed. IsRead
// transitions one-way false to true, individually or via mark-all.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	ActionURL   string           `json:"actionUrl,omitempty"`
	ActionText  string           `json:"actionText,omitempty"`
	IsRead      bool             `json:"isRead"`
	CreatedAt   time.Time        `json:"createdAt"`
}
