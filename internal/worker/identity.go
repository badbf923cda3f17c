package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/pending"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

type IdentityConfig struct {
	// AutoApproveDelay arms the delayed auto-approval task on each new
	// confirmation. Zero disables auto-approval.
	AutoApproveDelay time.Duration
	CallTimeout      time.Duration
}

// Identity processes account and payment traffic: it turns "pay ..." texts
// into pending confirmations, consumes YES/NO replies, and executes settled
// intents through the injected payment executor.
type Identity struct {
	store      store.API
	tracker    *delivery.Tracker
	contexts   *routing.ContextStore
	pending    *pending.Store
	classifier IntentClassifier
	executor   PaymentExecutor
	cfg        IdentityConfig
	logger     *log.Logger
}

func NewIdentity(b *bus.Bus, st store.API, tracker *delivery.Tracker, contexts *routing.ContextStore, pendingStore *pending.Store, classifier IntentClassifier, executor PaymentExecutor, cfg IdentityConfig) *Identity {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	w := &Identity{
		store:      st,
		tracker:    tracker,
		contexts:   contexts,
		pending:    pendingStore,
		classifier: classifier,
		executor:   executor,
		cfg:        cfg,
		logger:     log.New(os.Stdout, "identity ", log.LstdFlags),
	}
	b.Subscribe(relay.ChannelInboundIdentity, w.handle)
	return w
}

var payPattern = regexp.MustCompile(`(?i)\bpay\s+(\S+)\s+(\d+)\s*sats?\b`)

func addressKey(network relay.Network, senderID string) string {
	return string(network) + ":" + senderID
}

func (w *Identity) handle(env *relay.Envelope) {
	rc, ok := w.contexts.Get(env.CorrelationID)
	if !ok {
		w.logger.Printf("routing context miss correlation_id=%s", env.CorrelationID)
		return
	}

	text := strings.TrimSpace(env.Source.Text)
	addr := addressKey(env.Source.Network, env.Source.SenderID)

	switch {
	case isAffirmative(text):
		w.confirm(env, rc, addr)
	case isNegative(text):
		w.decline(env, rc, addr)
	default:
		w.dispatchIntent(env, rc, addr, text)
	}
}

// confirm is the human side of the auto-approval race: the atomic
// retrieve-and-clear decides the winner, so a late YES after the timer has
// claimed the intent finds nothing and tells the user so.
func (w *Identity) confirm(env *relay.Envelope, rc relay.RoutingContext, addr string) {
	intent, ok := w.pending.RetrieveAndClear(addr)
	if !ok {
		w.reply(env, rc, "There is no payment awaiting your confirmation (it may have expired).")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CallTimeout)
	defer cancel()
	result := w.executor.Execute(ctx, intent)
	if !result.Success {
		w.reply(env, rc, "Payment failed: "+result.Error)
		return
	}
	w.reply(env, rc, fmt.Sprintf("Payment of %d sats to %s sent. Receipt: %s", intent.AmountSats, intent.Address, result.Receipt))
}

func (w *Identity) decline(env *relay.Envelope, rc relay.RoutingContext, addr string) {
	if _, ok := w.pending.RetrieveAndClear(addr); !ok {
		w.reply(env, rc, "There is no payment awaiting your confirmation.")
		return
	}
	w.reply(env, rc, "Payment canceled.")
}

func (w *Identity) dispatchIntent(env *relay.Envelope, rc relay.RoutingContext, addr, text string) {
	decision := IntentDecision{Intent: IntentGeneral}
	if w.classifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CallTimeout)
		d, err := w.classifier.ClassifyIntent(ctx, text, env.Meta.Context)
		cancel()
		if err != nil {
			// Classification failure degrades to the general path; no payment
			// side effect may depend on a guess.
			w.logger.Printf("intent classification failed correlation_id=%s: %v", env.CorrelationID, err)
		} else {
			decision = d
		}
	}

	if decision.Intent == IntentPayment {
		if payee, amount, ok := parsePayCommand(text); ok {
			w.initiatePayment(env, rc, addr, payee, amount)
			return
		}
		w.reply(env, rc, "I could not read that payment request. Use: pay <address> <amount> sats")
		return
	}

	w.reply(env, rc, "I handle account and payment requests. To send a payment: pay <address> <amount> sats")
}

func (w *Identity) initiatePayment(env *relay.Envelope, rc relay.RoutingContext, addr, payee string, amount int64) {
	refID := env.Meta.Context["ref_id"]
	if refID == "" {
		refID = env.CorrelationID
	}

	// Duplicate initiation (an upstream retry) must not produce a second
	// prompt or a second charge. The bus path has no reply channel for the
	// rejection, so the duplicate-request error is logged and the envelope
	// dropped.
	if w.pending.IsProcessed(refID) {
		err := relay.NewError(relay.CodeDuplicate, "payment initiation "+refID+" already handled", false, 0)
		w.logger.Printf("dropping correlation_id=%s: %v", env.CorrelationID, err)
		return
	}
	w.pending.MarkProcessed(refID)

	intent := pending.Intent{
		Type:          "lightning_address",
		AmountSats:    amount,
		Address:       payee,
		RefID:         refID,
		CorrelationID: env.CorrelationID,
		Routing:       rc,
	}
	w.pending.Put(addr, intent)

	if w.cfg.AutoApproveDelay > 0 {
		w.pending.ScheduleAutoApprove(addr, w.cfg.AutoApproveDelay, w.autoApprove)
	}

	prompt := fmt.Sprintf("Confirm payment of %d sats to %s. Reply YES to approve or NO to cancel.", amount, payee)
	if w.cfg.AutoApproveDelay > 0 {
		prompt += fmt.Sprintf(" Without a reply it will be approved automatically in %s.", w.cfg.AutoApproveDelay)
	}
	w.reply(env, rc, prompt)
}

// autoApprove runs when the delayed task wins the race. The intent carries
// its own copy of the routing context, since the prompt's context has been
// spent by then.
func (w *Identity) autoApprove(intent pending.Intent) {
	rc := intent.Routing
	if rc.Destination == "" {
		// The routing copy carries no destination; fall back to the user's
		// most recently bound gateway address.
		addr, err := w.store.AddressForUser(rc.CanonicalUser)
		if err != nil {
			w.logger.Printf("no routable address for auto-approval user=%s ref=%s: %v", rc.CanonicalUser, intent.RefID, err)
			return
		}
		rc.Destination = addr.NetworkUserID
		rc.Network = addr.Network
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CallTimeout)
	defer cancel()

	result := w.executor.Execute(ctx, intent)
	text := fmt.Sprintf("Auto-approved: payment of %d sats to %s sent. Receipt: %s", intent.AmountSats, intent.Address, result.Receipt)
	if !result.Success {
		text = "Auto-approval failed: " + result.Error
	}

	out := &relay.Envelope{
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now().UTC(),
		Meta:          relay.Meta{ConversationID: rc.ConversationID, CanonicalUser: rc.CanonicalUser},
	}
	w.reply(out, rc, text)
}

func (w *Identity) reply(env *relay.Envelope, rc relay.RoutingContext, text string) {
	content, _ := json.Marshal(map[string]string{"text": text})
	conversationID := env.Meta.ConversationID
	if conversationID == "" {
		conversationID = rc.ConversationID
	}
	env.Response = &relay.Response{
		Destination: rc.Destination,
		Text:        text,
		QuoteID:     rc.QuoteID,
		Network:     rc.Network,
	}
	if _, _, err := w.tracker.CreateOutbound(env, store.CreateOutboundInput{
		ConversationID: conversationID,
		ParentID:       rc.InboundMessageID,
		Role:           relay.RoleSystem,
		CanonicalUser:  env.Meta.CanonicalUser,
		Content:        content,
		Channel:        rc.Network,
	}); err != nil {
		w.logger.Printf("create outbound failed correlation_id=%s: %v", env.CorrelationID, err)
		w.contexts.Forget(env.CorrelationID)
	}
}

func parsePayCommand(text string) (payee string, amount int64, ok bool) {
	m := payPattern.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return m[1], n, true
}

func isAffirmative(text string) bool {
	switch strings.ToLower(text) {
	case "yes", "y", "confirm", "approve", "ok":
		return true
	default:
		return false
	}
}

func isNegative(text string) bool {
	switch strings.ToLower(text) {
	case "no", "n", "cancel", "deny", "reject":
		return true
	default:
		return false
	}
}
