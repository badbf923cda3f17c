// Package rpcapi exposes the RPC surface other services call into the core:
// inbound envelope ingestion and payment confirmation callbacks, as JSON
// over HTTP.
package rpcapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/continuity"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

const (
	ServiceBrain    = "brain"
	ServiceIdentity = "identity"
)

type Server struct {
	store    store.API
	bus      *bus.Bus
	contexts *routing.ContextStore
	resolver *continuity.Resolver
	tracker  *delivery.Tracker
	tracer   trace.Tracer
	logger   *log.Logger
}

func NewServer(st store.API, b *bus.Bus, contexts *routing.ContextStore, resolver *continuity.Resolver, tracker *delivery.Tracker) http.Handler {
	s := &Server{
		store:    st,
		bus:      b,
		contexts: contexts,
		resolver: resolver,
		tracker:  tracker,
		tracer:   otel.Tracer("courier/rpcapi"),
		logger:   log.New(os.Stdout, "rpcapi ", log.LstdFlags),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages/receive", s.handleReceive)
	mux.HandleFunc("/v1/payments/confirm", s.handleConfirmPayment)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRelayError(w http.ResponseWriter, err error) {
	var re *relay.Error
	if errors.As(err, &re) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      re.Code,
				"message":   re.Message,
				"transient": re.Transient,
			},
		}
		if re.RetryAfter > 0 {
			payload["error"].(map[string]any)["retry_after"] = re.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(re.RetryAfter))
		}
		writeJSON(w, re.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      relay.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

type receiveRequest struct {
	RefID         string          `json:"ref_id,omitempty"`
	ReturnAddress string          `json:"return_address"`
	Network       string          `json:"network"`
	UserID        string          `json:"user_id"`
	Text          string          `json:"text"`
	ReplyToID     string          `json:"reply_to_id,omitempty"`
	QuoteID       string          `json:"quote_id,omitempty"`
	Service       string          `json:"service,omitempty"`
	HasMedia      bool            `json:"has_media,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
}

// handleReceive enqueues one inbound envelope. The core does not dedupe
// inbound envelopes; only payment initiation is idempotent, downstream.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false})
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "rpcapi.receive")
	defer span.End()

	blob, err := readBody(r)
	if err != nil {
		writeRelayError(w, relay.NewValidationError("unreadable body"))
		return
	}
	var req receiveRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		writeRelayError(w, relay.NewValidationError("invalid json: "+err.Error()))
		return
	}

	network := relay.Network(strings.TrimSpace(req.Network))
	if !relay.KnownNetwork(network) {
		writeRelayError(w, relay.NewError(relay.CodeUnknownNetwork, "network "+req.Network+" is not recognized", false, 0))
		return
	}
	if strings.TrimSpace(req.ReturnAddress) == "" {
		writeRelayError(w, relay.NewValidationError("return_address is required"))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeRelayError(w, relay.NewValidationError("user_id is required"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeRelayError(w, relay.NewValidationError("text is required"))
		return
	}
	service := req.Service
	if service == "" {
		service = ServiceBrain
	}
	if service != ServiceBrain && service != ServiceIdentity {
		writeRelayError(w, relay.NewValidationError("service must be brain or identity"))
		return
	}

	env := relay.NewEnvelope(relay.Source{
		Network:    network,
		SenderID:   req.UserID,
		ReplyToID:  req.ReplyToID,
		RawPayload: req.RawPayload,
		Text:       req.Text,
		HasMedia:   req.HasMedia,
	}, envNow())
	span.SetAttributes(
		attribute.String("correlation_id", env.CorrelationID),
		attribute.String("network", string(network)),
		attribute.String("service", service),
	)
	if req.RefID != "" {
		env.Meta.Context["ref_id"] = req.RefID
	}

	// First contact binds the gateway user to itself, so the canonical id is
	// always present for continuity and outbound addressing; a later identity
	// flow can rebind the same gateway user to a shared canonical id.
	canonical, err := s.store.ResolveIdentity(network, req.UserID)
	if err != nil {
		canonical = req.UserID
		if berr := s.store.BindIdentity(network, req.UserID, canonical); berr != nil {
			s.logger.Printf("identity bind failed network=%s user=%s: %v", network, req.UserID, berr)
		}
	}
	env.Meta.CanonicalUser = canonical

	resolution := s.resolver.Resolve(ctx, req.ReplyToID, env.Meta.CanonicalUser, req.Text)
	env.Meta.ConversationID = resolution.ConversationID

	content, _ := json.Marshal(map[string]string{"text": req.Text})
	inbound, err := s.store.RecordInbound(store.RecordInboundInput{
		ConversationID: resolution.ConversationID,
		ParentID:       req.ReplyToID,
		Role:           relay.RoleUser,
		CanonicalUser:  env.Meta.CanonicalUser,
		Content:        content,
		Metadata:       req.RawPayload,
	})
	if err != nil {
		writeRelayError(w, err)
		return
	}

	s.contexts.Remember(env.CorrelationID, relay.RoutingContext{
		Destination:      req.ReturnAddress,
		Network:          network,
		QuoteID:          req.QuoteID,
		InboundMessageID: inbound.MessageID,
		ConversationID:   resolution.ConversationID,
		CanonicalUser:    env.Meta.CanonicalUser,
	})

	channel := relay.ChannelInboundBrain
	if service == ServiceIdentity {
		channel = relay.ChannelInboundIdentity
	}
	s.bus.Publish(channel, env)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":                  true,
		"correlation_id":      env.CorrelationID,
		"conversation_id":     resolution.ConversationID,
		"is_new_conversation": resolution.IsNewConversation,
		"message_id":          inbound.MessageID,
	})
}

type confirmPaymentRequest struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Type        string `json:"type,omitempty"`
	PaymentData struct {
		RefID string `json:"ref_id"`
	} `json:"payment_data"`
}

// handleConfirmPayment delivers the outcome of a previously initiated
// payment back into the routing context identified by the refID. An unknown
// refID is an explicit error, never a silent success.
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false})
		return
	}
	_, span := s.tracer.Start(r.Context(), "rpcapi.confirm_payment")
	defer span.End()

	blob, err := readBody(r)
	if err != nil {
		writeRelayError(w, relay.NewValidationError("unreadable body"))
		return
	}
	var req confirmPaymentRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		writeRelayError(w, relay.NewValidationError("invalid json: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.PaymentData.RefID) == "" {
		writeRelayError(w, relay.NewValidationError("payment_data.ref_id is required"))
		return
	}
	if req.Status != "success" && req.Status != "failed" {
		writeRelayError(w, relay.NewValidationError("status must be success or failed"))
		return
	}
	span.SetAttributes(attribute.String("ref_id", req.PaymentData.RefID))

	rc, ok := s.contexts.Get(req.PaymentData.RefID)
	if !ok {
		writeRelayError(w, relay.NewError(relay.CodeNotFound, "unknown payment ref "+req.PaymentData.RefID, false, 0))
		return
	}

	text := "Payment confirmed."
	if req.Status == "failed" {
		text = "Payment failed"
		if req.Reason != "" {
			text += ": " + req.Reason
		}
	}

	env := &relay.Envelope{
		CorrelationID: req.PaymentData.RefID,
		ReceivedAt:    envNow(),
		Meta:          relay.Meta{ConversationID: rc.ConversationID, CanonicalUser: rc.CanonicalUser},
		Response: &relay.Response{
			Destination: rc.Destination,
			Text:        text,
			QuoteID:     rc.QuoteID,
			Network:     rc.Network,
		},
	}
	content, _ := json.Marshal(map[string]string{"text": text, "payment_status": req.Status})
	if _, _, err := s.tracker.CreateOutbound(env, store.CreateOutboundInput{
		ConversationID: rc.ConversationID,
		ParentID:       rc.InboundMessageID,
		Role:           relay.RoleSystem,
		CanonicalUser:  rc.CanonicalUser,
		Content:        content,
		Channel:        rc.Network,
	}); err != nil {
		writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func envNow() time.Time { return time.Now().UTC() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"status":           "healthy",
		"routing_contexts": s.contexts.Len(),
	})
}
