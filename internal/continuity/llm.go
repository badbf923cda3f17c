package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const classifierSystemPrompt = "You decide whether a new chat message continues one of the listed conversation threads or starts a new one. Respond with strict JSON only."

const summarizerSystemPrompt = "You maintain a rolling summary of a chat conversation. Respond with the updated summary as plain text, nothing else."

// NoConversation is the sentinel the classifier returns when the new message
// belongs to none of the candidate threads.
const NoConversation = "none"

type ContinuationDecision struct {
	IsContinue     bool   `json:"is_continue"`
	ConversationID string `json:"conversation_id"`
	Rationale      string `json:"rationale"`
}

type LLMCaller interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCaller{messages: &c.Messages}, nil
}

func NewAnthropicCaller(m AnthropicMessager) *AnthropicCaller {
	return &AnthropicCaller{messages: m}
}

func (a *AnthropicCaller) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   2048,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// LLMClassifier implements Classifier on top of a raw text generator.
type LLMClassifier struct {
	caller LLMCaller
}

func NewLLMClassifier(caller LLMCaller) *LLMClassifier {
	return &LLMClassifier{caller: caller}
}

func (c *LLMClassifier) ClassifyContinuation(ctx context.Context, candidates []CandidateThread, newMessage string) (ContinuationDecision, error) {
	var sb strings.Builder
	sb.WriteString("Candidate threads:\n")
	for _, cand := range candidates {
		fmt.Fprintf(&sb, "- id=%s\n", cand.ConversationID)
		for _, line := range cand.Transcript {
			fmt.Fprintf(&sb, "    %s\n", line)
		}
	}
	fmt.Fprintf(&sb, "\nNew message: %s\n", newMessage)
	sb.WriteString(`
Decide whether the new message continues one of the candidate threads.
Respond with JSON: {"is_continue": bool, "conversation_id": "<id or none>", "rationale": "<short>"}`)

	raw, err := c.caller.Generate(ctx, classifierSystemPrompt, sb.String())
	if err != nil {
		return ContinuationDecision{}, err
	}
	var decision ContinuationDecision
	if err := json.Unmarshal([]byte(stripFences(raw)), &decision); err != nil {
		return ContinuationDecision{}, fmt.Errorf("parse continuation decision: %w", err)
	}
	return decision, nil
}

// LLMSummarizer implements SummaryCaller on top of a raw text generator.
type LLMSummarizer struct {
	caller LLMCaller
}

func NewLLMSummarizer(caller LLMCaller) *LLMSummarizer {
	return &LLMSummarizer{caller: caller}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, previousSummary, transcript string) (string, error) {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Recent messages (oldest first):\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nWrite the updated rolling summary.")

	out, err := s.caller.Generate(ctx, summarizerSystemPrompt, sb.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
	}
	return strings.TrimSpace(raw)
}
