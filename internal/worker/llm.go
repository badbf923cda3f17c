package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelkehle/courier/internal/continuity"
	"github.com/joelkehle/courier/internal/store"
)

const responderSystemPrompt = "You are a helpful assistant replying inside an ongoing chat conversation. Answer the latest message directly and concisely."

const intentSystemPrompt = "You classify a chat message sent to an account/payments service. Respond with strict JSON only."

// LLMResponder implements Responder on an anthropic-backed text generator.
type LLMResponder struct {
	caller continuity.LLMCaller
}

func NewLLMResponder(caller continuity.LLMCaller) *LLMResponder {
	return &LLMResponder{caller: caller}
}

func (r *LLMResponder) Respond(ctx context.Context, summary string, recent []store.Message, text string) (string, error) {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}
	if len(recent) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, continuity.MessageText(m))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Latest message: ")
	sb.WriteString(text)
	return r.caller.Generate(ctx, responderSystemPrompt, sb.String())
}

// LLMIntentClassifier implements IntentClassifier on an anthropic-backed
// text generator.
type LLMIntentClassifier struct {
	caller continuity.LLMCaller
}

func NewLLMIntentClassifier(caller continuity.LLMCaller) *LLMIntentClassifier {
	return &LLMIntentClassifier{caller: caller}
}

func (c *LLMIntentClassifier) ClassifyIntent(ctx context.Context, message string, meta map[string]string) (IntentDecision, error) {
	var sb strings.Builder
	sb.WriteString("Message: ")
	sb.WriteString(message)
	sb.WriteString("\n")
	for k, v := range meta {
		fmt.Fprintf(&sb, "context[%s]=%s\n", k, v)
	}
	sb.WriteString(`
Classify as "payment" (the user asks to send funds) or "general".
Respond with JSON: {"intent": "payment"|"general", "confidence": 0..1, "rationale": "<short>"}`)

	raw, err := c.caller.Generate(ctx, intentSystemPrompt, sb.String())
	if err != nil {
		return IntentDecision{}, err
	}
	var d IntentDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(stripJSONFences(raw))), &d); err != nil {
		return IntentDecision{}, fmt.Errorf("parse intent decision: %w", err)
	}
	return d, nil
}

func stripJSONFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
	}
	return raw
}
