package continuity

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/store"
)

type SummaryCaller interface {
	Summarize(ctx context.Context, previousSummary, transcript string) (string, error)
}

type SummarizerConfig struct {
	// MessageDelta is how many messages must accumulate past the last
	// checkpoint before the summary is rebuilt.
	MessageDelta       int
	MaxTranscriptMsgs  int
	MaxTranscriptChars int
	MaxSummaryChars    int
}

// Summarizer maintains the rolling conversation summary. The summary is
// replaced wholesale on each consolidation, never appended to.
type Summarizer struct {
	store  store.API
	caller SummaryCaller
	cfg    SummarizerConfig
	logger *log.Logger
}

func NewSummarizer(st store.API, caller SummaryCaller, cfg SummarizerConfig) *Summarizer {
	if cfg.MessageDelta <= 0 {
		cfg.MessageDelta = 4
	}
	if cfg.MaxTranscriptMsgs <= 0 {
		cfg.MaxTranscriptMsgs = 30
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = 6000
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = 2000
	}
	return &Summarizer{
		store:  st,
		caller: caller,
		cfg:    cfg,
		logger: log.New(os.Stdout, "summarizer ", log.LstdFlags),
	}
}

// Consolidate rebuilds the conversation summary when the message delta since
// the last checkpoint has reached the threshold, or when no summary exists
// yet. It reports whether a consolidation happened. On summarization failure
// the previous summary is kept unchanged and the error is returned so the
// next check retries the same delta.
func (s *Summarizer) Consolidate(ctx context.Context, conversationID string) (bool, error) {
	if s.caller == nil {
		return false, nil
	}
	count, err := s.store.ConversationMessageCount(conversationID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	previous := ""
	checkpoint := 0
	state, err := s.store.GetConversationState(conversationID)
	if err != nil {
		var re *relay.Error
		if !errors.As(err, &re) || re.Code != relay.CodeNotFound {
			return false, err
		}
	} else {
		previous = state.Summary
		checkpoint = state.MessageCount
	}

	if previous != "" && count-checkpoint < s.cfg.MessageDelta {
		return false, nil
	}

	msgs, err := s.store.ConversationMessages(conversationID, s.cfg.MaxTranscriptMsgs)
	if err != nil {
		return false, err
	}
	transcript := s.buildTranscript(msgs)
	if transcript == "" {
		return false, nil
	}

	summary, err := s.caller.Summarize(ctx, previous, transcript)
	if err != nil {
		s.logger.Printf("summarization failed conversation_id=%s: %v", conversationID, err)
		return false, err
	}
	if len(summary) > s.cfg.MaxSummaryChars {
		// Trim on a rune boundary so the cap never leaves a split UTF-8
		// sequence at the end.
		cut := s.cfg.MaxSummaryChars
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}

	if _, err := s.store.UpsertConversationState(conversationID, summary, count); err != nil {
		return false, err
	}
	return true, nil
}

// Summary returns the current rolling summary, empty if none exists.
func (s *Summarizer) Summary(conversationID string) string {
	state, err := s.store.GetConversationState(conversationID)
	if err != nil {
		return ""
	}
	return state.Summary
}

// buildTranscript joins messages oldest to newest, trimming whole messages
// from the oldest end while the character budget is exceeded.
func (s *Summarizer) buildTranscript(msgs []store.Message) string {
	lines := transcriptLines(msgs)
	for len(lines) > 0 {
		joined := strings.Join(lines, "\n")
		if len(joined) <= s.cfg.MaxTranscriptChars {
			return joined
		}
		lines = lines[1:]
	}
	return ""
}
