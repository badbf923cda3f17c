package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/continuity"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

const brainFallbackReply = "Sorry, I could not process that right now. Please try again in a moment."

type Brain struct {
	store      store.API
	tracker    *delivery.Tracker
	contexts   *routing.ContextStore
	summarizer *continuity.Summarizer
	responder  Responder
	timeout    time.Duration
	logger     *log.Logger
}

func NewBrain(b *bus.Bus, st store.API, tracker *delivery.Tracker, contexts *routing.ContextStore, summarizer *continuity.Summarizer, responder Responder) *Brain {
	w := &Brain{
		store:      st,
		tracker:    tracker,
		contexts:   contexts,
		summarizer: summarizer,
		responder:  responder,
		timeout:    60 * time.Second,
		logger:     log.New(os.Stdout, "brain ", log.LstdFlags),
	}
	b.Subscribe(relay.ChannelInboundBrain, w.handle)
	return w
}

func (w *Brain) handle(env *relay.Envelope) {
	rc, ok := w.contexts.Get(env.CorrelationID)
	if !ok {
		// No safe destination for the eventual reply; drop rather than guess.
		w.logger.Printf("routing context miss correlation_id=%s", env.CorrelationID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	reply := brainFallbackReply
	summary := w.summarizer.Summary(env.Meta.ConversationID)
	recent, err := w.store.ConversationMessages(env.Meta.ConversationID, 10)
	if err != nil {
		w.logger.Printf("recent messages lookup failed conversation_id=%s: %v", env.Meta.ConversationID, err)
		recent = nil
	}
	if w.responder != nil {
		text, err := w.responder.Respond(ctx, summary, recent, env.Source.Text)
		if err != nil {
			w.logger.Printf("responder failed correlation_id=%s: %v", env.CorrelationID, err)
		} else if text != "" {
			reply = text
		}
	}

	content, _ := json.Marshal(map[string]string{"text": reply})
	env.Response = &relay.Response{
		Destination: rc.Destination,
		Text:        reply,
		QuoteID:     rc.QuoteID,
		Network:     rc.Network,
	}
	if _, _, err := w.tracker.CreateOutbound(env, store.CreateOutboundInput{
		ConversationID: env.Meta.ConversationID,
		ParentID:       rc.InboundMessageID,
		Role:           relay.RoleProcessor,
		CanonicalUser:  env.Meta.CanonicalUser,
		Content:        content,
		Channel:        rc.Network,
	}); err != nil {
		w.logger.Printf("create outbound failed correlation_id=%s: %v", env.CorrelationID, err)
		w.contexts.Forget(env.CorrelationID)
		return
	}

	if w.summarizer != nil && env.Meta.ConversationID != "" {
		if _, err := w.summarizer.Consolidate(ctx, env.Meta.ConversationID); err != nil {
			w.logger.Printf("summary consolidation deferred conversation_id=%s: %v", env.Meta.ConversationID, err)
		}
	}
}
