// Package continuity decides whether an inbound message extends an existing
// conversation thread or starts a new one, and maintains the rolling
// per-conversation summary.
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/joelkehle/courier/internal/store"
)

// CandidateThread is the view of a recent conversation handed to the
// classifier.
type CandidateThread struct {
	ConversationID string
	Transcript     []string
}

type Classifier interface {
	ClassifyContinuation(ctx context.Context, candidates []CandidateThread, newMessage string) (ContinuationDecision, error)
}

type Resolution struct {
	ConversationID    string
	IsNewConversation bool
}

type ResolverConfig struct {
	MaxCandidates        int
	MessagesPerCandidate int
}

type Resolver struct {
	store      store.API
	classifier Classifier
	cfg        ResolverConfig
	logger     *log.Logger
}

func NewResolver(st store.API, classifier Classifier, cfg ResolverConfig) *Resolver {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.MessagesPerCandidate <= 0 {
		cfg.MessagesPerCandidate = 10
	}
	return &Resolver{
		store:      st,
		classifier: classifier,
		cfg:        cfg,
		logger:     log.New(os.Stdout, "continuity ", log.LstdFlags),
	}
}

// Resolve picks the conversation for an inbound message, cheapest signal
// first:
//  1. a reply-to parent with a recorded conversation id is inherited outright;
//  2. otherwise, with a known user and message text, the classifier is asked,
//     and its answer is accepted only if the returned id was one of the
//     candidates we supplied;
//  3. otherwise a new conversation id is minted.
//
// Classifier failure never blocks processing; it degrades to a new
// conversation.
func (r *Resolver) Resolve(ctx context.Context, replyToMessageID, canonicalUser, messageText string) Resolution {
	if replyToMessageID != "" {
		parent, err := r.store.GetMessage(replyToMessageID)
		if err == nil && parent.ConversationID != "" {
			return Resolution{ConversationID: parent.ConversationID, IsNewConversation: false}
		}
	}

	if canonicalUser != "" && strings.TrimSpace(messageText) != "" && r.classifier != nil {
		threads, err := r.store.RecentConversations(canonicalUser, r.cfg.MaxCandidates, r.cfg.MessagesPerCandidate)
		if err != nil {
			r.logger.Printf("recent conversations lookup failed user=%s: %v", canonicalUser, err)
		} else if len(threads) > 0 {
			if res, ok := r.classify(ctx, threads, messageText); ok {
				return res
			}
		}
	}

	return Resolution{ConversationID: uuid.NewString(), IsNewConversation: true}
}

func (r *Resolver) classify(ctx context.Context, threads []store.ConversationThread, messageText string) (Resolution, bool) {
	candidates := make([]CandidateThread, 0, len(threads))
	valid := map[string]struct{}{}
	for _, th := range threads {
		valid[th.ConversationID] = struct{}{}
		candidates = append(candidates, CandidateThread{
			ConversationID: th.ConversationID,
			Transcript:     transcriptLines(th.Messages),
		})
	}

	decision, err := r.classifier.ClassifyContinuation(ctx, candidates, messageText)
	if err != nil {
		r.logger.Printf("continuation classification failed: %v", err)
		return Resolution{}, false
	}
	if !decision.IsContinue || decision.ConversationID == "" || decision.ConversationID == NoConversation {
		return Resolution{}, false
	}
	// Never trust an unverified id: a fabricated conversation id could attach
	// the message to an unrelated thread.
	if _, ok := valid[decision.ConversationID]; !ok {
		r.logger.Printf("classifier returned id outside candidate set: %s", decision.ConversationID)
		return Resolution{}, false
	}
	return Resolution{ConversationID: decision.ConversationID, IsNewConversation: false}, true
}

func transcriptLines(msgs []store.Message) []string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, MessageText(m)))
	}
	return lines
}

// MessageText extracts the text field of a persisted message's content blob.
func MessageText(m store.Message) string {
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return ""
	}
	return content.Text
}
