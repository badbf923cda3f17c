package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Network identifies a front-end gateway transport.
type Network string

const (
	NetworkTelegram Network = "telegram"
	NetworkSlack    Network = "slack"
	NetworkNostr    Network = "nostr"
	NetworkLoopback Network = "loopback"
)

func KnownNetwork(n Network) bool {
	switch n {
	case NetworkTelegram, NetworkSlack, NetworkNostr, NetworkLoopback:
		return true
	default:
		return false
	}
}

// Bus channel names. The brain and identity services get separate inbound
// channels so neither observes the other's traffic.
const (
	ChannelInboundBrain    = "inbound.brain"
	ChannelInboundIdentity = "inbound.identity"
	ChannelOutbound        = "outbound"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleProcessor Role = "processor"
)

// Source describes where an inbound envelope came from.
type Source struct {
	Network    Network         `json:"network"`
	SenderID   string          `json:"sender_id"`
	ReplyToID  string          `json:"reply_to_id,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	Text       string          `json:"text"`
	HasMedia   bool            `json:"has_media,omitempty"`
}

// Meta carries routing metadata attached while the envelope moves through
// the processors.
type Meta struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	CanonicalUser  string            `json:"canonical_user,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Response is populated once a processor decides how to reply.
type Response struct {
	Destination string  `json:"destination"`
	Text        string  `json:"text"`
	QuoteID     string  `json:"quote_id,omitempty"`
	Network     Network `json:"network"`
}

// Envelope is the unit that crosses the bus. Created once per inbound event,
// mutated in place to attach a response, consumed by exactly one outbound
// path, then discarded. It is never persisted as a single object; the store
// only sees its Message/Delivery projections.
type Envelope struct {
	CorrelationID string    `json:"correlation_id"`
	Source        Source    `json:"source"`
	Meta          Meta      `json:"meta"`
	Response      *Response `json:"response,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`

	// OutboundMessageID and DeliveryID are set once the delivery tracker has
	// projected the response into the store, so adapters can report outcomes.
	OutboundMessageID string `json:"-"`
	DeliveryID        string `json:"-"`
}

// NewEnvelope mints a correlation id and stamps the ingestion time.
func NewEnvelope(src Source, now time.Time) *Envelope {
	return &Envelope{
		CorrelationID: uuid.NewString(),
		Source:        src,
		Meta:          Meta{Context: map[string]string{}},
		ReceivedAt:    now.UTC(),
	}
}

func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.CorrelationID) == "" {
		return NewValidationError("correlation_id is required")
	}
	if !KnownNetwork(e.Source.Network) {
		return NewError(CodeUnknownNetwork, "network "+string(e.Source.Network)+" is not recognized", false, 0)
	}
	if strings.TrimSpace(e.Source.SenderID) == "" {
		return NewValidationError("sender_id is required")
	}
	if strings.TrimSpace(e.Source.Text) == "" {
		return NewValidationError("text is required")
	}
	return nil
}

// RoutingContext reconstructs "where does the eventual reply go" when a reply
// arrives asynchronously from a different code path. Not persisted; a process
// restart loses in-flight routing context by design.
type RoutingContext struct {
	Destination      string
	Network          Network
	QuoteID          string
	InboundMessageID string
	ConversationID   string
	CanonicalUser    string
}
