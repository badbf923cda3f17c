package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/continuity"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/pending"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

type fakeIntentClassifier struct {
	decision IntentDecision
	err      error
}

func (f *fakeIntentClassifier) ClassifyIntent(ctx context.Context, message string, meta map[string]string) (IntentDecision, error) {
	return f.decision, f.err
}

type fakeExecutor struct {
	mu      sync.Mutex
	result  PaymentResult
	intents []pending.Intent
}

func (f *fakeExecutor) Execute(ctx context.Context, intent pending.Intent) PaymentResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return f.result
}

func (f *fakeExecutor) calls() []pending.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pending.Intent{}, f.intents...)
}

type rig struct {
	store    store.API
	bus      *bus.Bus
	contexts *routing.ContextStore
	tracker  *delivery.Tracker
	pending  *pending.Store
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"), store.Config{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	b := bus.New()
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	return &rig{
		store:    st,
		bus:      b,
		contexts: routing.NewContextStore(100),
		tracker:  delivery.NewTracker(st, b),
		pending:  pending.NewStore(pending.Config{}),
	}
}

func (r *rig) inbound(t *testing.T, text string) *relay.Envelope {
	t.Helper()
	env := relay.NewEnvelope(relay.Source{
		Network:  relay.NetworkLoopback,
		SenderID: "alice-tg",
		Text:     text,
	}, time.Now())
	env.Meta.ConversationID = "conv-1"
	env.Meta.CanonicalUser = "alice"
	r.contexts.Remember(env.CorrelationID, relay.RoutingContext{
		Destination:    "chat-1",
		Network:        relay.NetworkLoopback,
		ConversationID: "conv-1",
		CanonicalUser:  "alice",
	})
	return env
}

func (r *rig) outboundTexts(t *testing.T) []string {
	t.Helper()
	msgs, err := r.store.ConversationMessages("conv-1", 50)
	if err != nil {
		t.Fatalf("ConversationMessages: %v", err)
	}
	var texts []string
	for _, m := range msgs {
		if m.Direction == relay.DirectionOutbound {
			texts = append(texts, continuity.MessageText(m))
		}
	}
	return texts
}

func newIdentityWorker(r *rig, cl IntentClassifier, ex PaymentExecutor, cfg IdentityConfig) *Identity {
	return NewIdentity(r.bus, r.store, r.tracker, r.contexts, r.pending, cl, ex, cfg)
}

func TestPaymentRequestCreatesPendingConfirmation(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-1"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))

	if n := r.pending.PendingCount(); n != 1 {
		t.Fatalf("PendingCount = %d, want 1", n)
	}
	if len(ex.calls()) != 0 {
		t.Fatal("executor ran before confirmation")
	}
	texts := r.outboundTexts(t)
	if len(texts) != 1 || !strings.Contains(texts[0], "Confirm payment of 100 sats to bob@ln.example") {
		t.Fatalf("unexpected prompt: %v", texts)
	}
}

func TestConfirmExecutesPendingPayment(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-1"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))
	w.handle(r.inbound(t, "YES"))

	calls := ex.calls()
	if len(calls) != 1 || calls[0].AmountSats != 100 || calls[0].Address != "bob@ln.example" {
		t.Fatalf("executor calls = %+v", calls)
	}
	texts := r.outboundTexts(t)
	last := texts[len(texts)-1]
	if !strings.Contains(last, "rcpt-1") {
		t.Fatalf("confirmation reply missing receipt: %q", last)
	}
	if n := r.pending.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after confirm, want 0", n)
	}
}

func TestConfirmWithoutPendingExplains(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "yes"))

	if len(ex.calls()) != 0 {
		t.Fatal("executor ran with nothing pending")
	}
	texts := r.outboundTexts(t)
	if len(texts) != 1 || !strings.Contains(texts[0], "no payment awaiting") {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestDeclineCancelsPendingPayment(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob@ln.example 50 sats"))
	w.handle(r.inbound(t, "NO"))

	if len(ex.calls()) != 0 {
		t.Fatal("executor ran for a declined payment")
	}
	if n := r.pending.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after decline, want 0", n)
	}
	texts := r.outboundTexts(t)
	if !strings.Contains(texts[len(texts)-1], "Payment canceled") {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestDuplicateInitiationIsDroppedSilently(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	first := r.inbound(t, "pay bob@ln.example 100 sats")
	first.Meta.Context["ref_id"] = "ref-dup"
	w.handle(first)

	retry := r.inbound(t, "pay bob@ln.example 100 sats")
	retry.Meta.Context["ref_id"] = "ref-dup"
	w.handle(retry)

	texts := r.outboundTexts(t)
	if len(texts) != 1 {
		t.Fatalf("duplicate initiation produced %d prompts, want 1", len(texts))
	}
	if n := r.pending.PendingCount(); n != 1 {
		t.Fatalf("PendingCount = %d, want 1", n)
	}
}

func TestExecutorFailureReported(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: false, Error: "insufficient balance"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))
	w.handle(r.inbound(t, "confirm"))

	texts := r.outboundTexts(t)
	if !strings.Contains(texts[len(texts)-1], "Payment failed: insufficient balance") {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestClassifierFailureDegradesToGeneral(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{err: errors.New("model down")}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))

	if n := r.pending.PendingCount(); n != 0 {
		t.Fatalf("payment initiated on a failed classification: pending=%d", n)
	}
	texts := r.outboundTexts(t)
	if len(texts) != 1 || !strings.Contains(texts[0], "account and payment requests") {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestMalformedPayCommandRejected(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{})

	w.handle(r.inbound(t, "pay bob some money"))

	if n := r.pending.PendingCount(); n != 0 {
		t.Fatalf("pending = %d for malformed command", n)
	}
	texts := r.outboundTexts(t)
	if len(texts) != 1 || !strings.Contains(texts[0], "could not read that payment request") {
		t.Fatalf("unexpected reply: %v", texts)
	}
}

func TestRoutingContextMissDropsEnvelope(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{}
	w := newIdentityWorker(r, &fakeIntentClassifier{}, ex, IdentityConfig{})

	env := relay.NewEnvelope(relay.Source{
		Network:  relay.NetworkLoopback,
		SenderID: "alice-tg",
		Text:     "yes",
	}, time.Now())
	env.Meta.ConversationID = "conv-1"
	w.handle(env)

	if texts := r.outboundTexts(t); len(texts) != 0 {
		t.Fatalf("reply produced without routing context: %v", texts)
	}
}

func TestAutoApproveWinsWhenHumanSilent(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-auto"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{
		AutoApproveDelay: 20 * time.Millisecond,
	})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))

	deadline := time.Now().Add(2 * time.Second)
	for len(ex.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := ex.calls()
	if len(calls) != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", len(calls))
	}

	// A late YES finds the slot empty.
	w.handle(r.inbound(t, "yes"))
	if len(ex.calls()) != 1 {
		t.Fatal("late confirmation re-executed the payment")
	}
	texts := r.outboundTexts(t)
	foundAuto := false
	for _, txt := range texts {
		if strings.Contains(txt, "Auto-approved") && strings.Contains(txt, "rcpt-auto") {
			foundAuto = true
		}
	}
	if !foundAuto {
		t.Fatalf("auto-approval notification missing: %v", texts)
	}
	if !strings.Contains(texts[len(texts)-1], "no payment awaiting") {
		t.Fatalf("late YES reply wrong: %q", texts[len(texts)-1])
	}
}

func TestAutoApproveResolvesDestinationFromBinding(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-addr"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{}, ex, IdentityConfig{})

	if err := r.store.BindIdentity(relay.NetworkLoopback, "alice-tg", "alice"); err != nil {
		t.Fatalf("BindIdentity: %v", err)
	}

	// A routing copy without a destination must resolve through the user's
	// bound gateway address.
	w.autoApprove(pending.Intent{
		RefID:      "ref-1",
		AmountSats: 75,
		Address:    "bob@ln.example",
		Routing:    relay.RoutingContext{CanonicalUser: "alice", ConversationID: "conv-1"},
	})

	if calls := ex.calls(); len(calls) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(calls))
	}
	texts := r.outboundTexts(t)
	if len(texts) != 1 || !strings.Contains(texts[0], "Auto-approved") || !strings.Contains(texts[0], "rcpt-addr") {
		t.Fatalf("notification wrong: %v", texts)
	}
}

func TestAutoApproveWithoutRoutableAddressAborts(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-x"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{}, ex, IdentityConfig{})

	w.autoApprove(pending.Intent{
		RefID:   "ref-1",
		Routing: relay.RoutingContext{CanonicalUser: "nobody", ConversationID: "conv-1"},
	})

	if calls := ex.calls(); len(calls) != 0 {
		t.Fatalf("payment executed with no way to notify the user: %d calls", len(calls))
	}
	if texts := r.outboundTexts(t); len(texts) != 0 {
		t.Fatalf("unexpected outbound: %v", texts)
	}
}

func TestHumanReplyBeatsAutoApprove(t *testing.T) {
	r := newRig(t)
	ex := &fakeExecutor{result: PaymentResult{Success: true, Receipt: "rcpt-human"}}
	w := newIdentityWorker(r, &fakeIntentClassifier{decision: IntentDecision{Intent: IntentPayment}}, ex, IdentityConfig{
		AutoApproveDelay: 150 * time.Millisecond,
	})

	w.handle(r.inbound(t, "pay bob@ln.example 100 sats"))
	w.handle(r.inbound(t, "yes"))

	// Give the timer a chance to fire; it must find the slot already claimed.
	time.Sleep(300 * time.Millisecond)
	if calls := ex.calls(); len(calls) != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", len(calls))
	}
}
