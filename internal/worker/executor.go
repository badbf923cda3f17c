package worker

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/joelkehle/courier/internal/pending"
)

// LocalPaymentExecutor settles payments against nothing: it records the
// intent and emits a synthetic receipt. Use it in development and tests;
// a real deployment wires a wallet-backed executor instead.
type LocalPaymentExecutor struct {
	logger *log.Logger
}

func NewLocalPaymentExecutor() *LocalPaymentExecutor {
	return &LocalPaymentExecutor{logger: log.New(os.Stdout, "payments ", log.LstdFlags)}
}

func (e *LocalPaymentExecutor) Execute(ctx context.Context, intent pending.Intent) PaymentResult {
	receipt := "local-" + uuid.NewString()
	e.logger.Printf("settled ref_id=%s amount_sats=%d address=%s receipt=%s",
		intent.RefID, intent.AmountSats, intent.Address, receipt)
	return PaymentResult{Success: true, Receipt: receipt}
}
