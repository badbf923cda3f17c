package store

import (
	"encoding/json"
	"time"

	"github.com/joelkehle/courier/internal/relay"
)

type DeliveryStatus string

const (
	DeliveryQueued   DeliveryStatus = "queued"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryCanceled DeliveryStatus = "canceled"
)

// Terminal reports whether a delivery status accepts no further transitions.
func Terminal(s DeliveryStatus) bool {
	switch s {
	case DeliverySent, DeliveryFailed, DeliveryCanceled:
		return true
	default:
		return false
	}
}

// Message is an immutable record of one inbound or outbound message.
type Message struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	ParentID       string          `json:"parent_id,omitempty"`
	Direction      relay.Direction `json:"direction"`
	Role           relay.Role      `json:"role"`
	CanonicalUser  string          `json:"canonical_user,omitempty"`
	Content        json.RawMessage `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Delivery records one attempt to hand an outbound message to a transport.
// Exactly one exists per outbound message.
type Delivery struct {
	DeliveryID   string         `json:"delivery_id"`
	MessageID    string         `json:"message_id"`
	Channel      relay.Network  `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	ProviderID   string         `json:"provider_id,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	QueuedAt     time.Time      `json:"queued_at"`
	SentAt       time.Time      `json:"sent_at,omitzero"`
	FailedAt     time.Time      `json:"failed_at,omitzero"`
	CanceledAt   time.Time      `json:"canceled_at,omitzero"`
}

// ConversationState holds the rolling summary for one conversation.
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary"`
	MessageCount   int       `json:"message_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationThread pairs a conversation id with its recent messages, used
// as a candidate set by the continuity resolver.
type ConversationThread struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// Address is a routable gateway-scoped destination for a canonical user.
type Address struct {
	Network       relay.Network `json:"network"`
	NetworkUserID string        `json:"network_user_id"`
}

type RecordInboundInput struct {
	ConversationID string
	ParentID       string
	Role           relay.Role
	CanonicalUser  string
	Content        json.RawMessage
	Metadata       json.RawMessage
}

type CreateOutboundInput struct {
	ConversationID string
	ParentID       string
	Role           relay.Role
	CanonicalUser  string
	Content        json.RawMessage
	Metadata       json.RawMessage
	Channel        relay.Network
}

type TransitionDetails struct {
	ProviderID   string
	ErrorCode    string
	ErrorMessage string
}

// API is the durable-store interface consumed by the tracker, resolver,
// summarizer, and workers. It allows swapping implementations in tests.
type API interface {
	RecordInbound(input RecordInboundInput) (*Message, error)
	CreateOutbound(input CreateOutboundInput) (*Message, *Delivery, error)
	TransitionDelivery(deliveryID string, status DeliveryStatus, details TransitionDetails) (*Delivery, error)
	GetMessage(messageID string) (*Message, error)
	GetDelivery(deliveryID string) (*Delivery, error)
	ConversationMessages(conversationID string, limit int) ([]Message, error)
	ConversationMessageCount(conversationID string) (int, error)
	RecentConversations(canonicalUser string, limit, messagesPer int) ([]ConversationThread, error)
	GetConversationState(conversationID string) (*ConversationState, error)
	UpsertConversationState(conversationID, summary string, messageCount int) (*ConversationState, error)
	ResolveIdentity(network relay.Network, networkUserID string) (string, error)
	BindIdentity(network relay.Network, networkUserID, canonicalUser string) error
	AddressForUser(canonicalUser string) (*Address, error)
}
