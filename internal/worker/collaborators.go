// Package worker hosts the two backend processors: the general-purpose
// responder ("brain") and the account/payments processor ("identity"). Both
// consume their own inbound bus channel and reply through the delivery
// tracker. External collaborators are narrow interfaces; their failures are
// always mapped to a degraded-but-safe outcome, never propagated as a crash.
package worker

import (
	"context"

	"github.com/joelkehle/courier/internal/pending"
	"github.com/joelkehle/courier/internal/store"
)

// Responder produces the brain's reply text.
type Responder interface {
	Respond(ctx context.Context, summary string, recent []store.Message, text string) (string, error)
}

type IntentDecision struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// IntentClassifier decides what an inbound identity-service message asks for.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, message string, meta map[string]string) (IntentDecision, error)
}

type PaymentResult struct {
	Success bool   `json:"success"`
	Receipt string `json:"receipt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PaymentExecutor settles a confirmed payment intent. Invoice creation,
// LNURL resolution, and settlement mechanics live behind this interface.
type PaymentExecutor interface {
	Execute(ctx context.Context, intent pending.Intent) PaymentResult
}

const (
	IntentPayment = "payment"
	IntentGeneral = "general"
)
