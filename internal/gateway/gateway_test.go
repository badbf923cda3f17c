package gateway

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

type rig struct {
	store      *store.SQLiteStore
	bus        *bus.Bus
	contexts   *routing.ContextStore
	tracker    *delivery.Tracker
	dispatcher *Dispatcher
	loopback   *Loopback
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"), store.Config{})
	require.NoError(t, err)
	b := bus.New()
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	contexts := routing.NewContextStore(100)
	tracker := delivery.NewTracker(st, b)
	d := NewDispatcher(b, tracker, contexts)
	lb := NewLoopback()
	d.Register(lb)
	return &rig{store: st, bus: b, contexts: contexts, tracker: tracker, dispatcher: d, loopback: lb}
}

// queueOutbound creates the message/delivery pair the way the workers do and
// returns the envelope ready for dispatch.
func (r *rig) queueOutbound(t *testing.T, network relay.Network, text string) *relay.Envelope {
	t.Helper()
	env := relay.NewEnvelope(relay.Source{
		Network:  network,
		SenderID: "alice-tg",
		Text:     "inbound",
	}, time.Now())
	env.Meta.ConversationID = "conv-1"
	r.contexts.Remember(env.CorrelationID, relay.RoutingContext{
		Destination: "chat-1",
		Network:     network,
	})
	env.Response = &relay.Response{
		Destination: "chat-1",
		Text:        text,
		Network:     network,
	}
	_, d, err := r.store.CreateOutbound(store.CreateOutboundInput{
		ConversationID: "conv-1",
		Content:        []byte(`{"text":"` + text + `"}`),
		Channel:        network,
	})
	require.NoError(t, err)
	env.DeliveryID = d.DeliveryID
	return env
}

func (r *rig) waitStatus(t *testing.T, deliveryID string, want store.DeliveryStatus) *store.Delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d, err := r.store.GetDelivery(deliveryID)
		require.NoError(t, err)
		if d.Status == want {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, _ := r.store.GetDelivery(deliveryID)
	t.Fatalf("delivery %s never reached %s (now %s)", deliveryID, want, d.Status)
	return nil
}

func TestDispatchMarksSentAndForgetsContext(t *testing.T) {
	r := newRig(t)
	env := r.queueOutbound(t, relay.NetworkLoopback, "hello out there")

	r.dispatcher.handleOutbound(env)

	d := r.waitStatus(t, env.DeliveryID, store.DeliverySent)
	require.Equal(t, "loopback-1", d.ProviderID)
	require.Len(t, r.loopback.Delivered(), 1)
	require.Equal(t, "hello out there", r.loopback.Delivered()[0].Text)

	_, ok := r.contexts.Get(env.CorrelationID)
	require.False(t, ok, "routing context must be spent after dispatch")
}

func TestDispatchMarksFailedOnTransportError(t *testing.T) {
	r := newRig(t)
	r.loopback.FailNext(errors.New("socket closed"))
	env := r.queueOutbound(t, relay.NetworkLoopback, "doomed")

	r.dispatcher.handleOutbound(env)

	d := r.waitStatus(t, env.DeliveryID, store.DeliveryFailed)
	require.Equal(t, "transport", d.ErrorCode)
	require.Contains(t, d.ErrorMessage, "socket closed")

	_, ok := r.contexts.Get(env.CorrelationID)
	require.False(t, ok, "routing context must be spent even on failure")
}

func TestDispatchCancelsWithoutAdapter(t *testing.T) {
	r := newRig(t)
	env := r.queueOutbound(t, relay.NetworkNostr, "nowhere to go")

	r.dispatcher.handleOutbound(env)

	d := r.waitStatus(t, env.DeliveryID, store.DeliveryCanceled)
	require.Equal(t, "no_adapter", d.ErrorCode)
}

func TestDispatchDropsEnvelopeWithoutDelivery(t *testing.T) {
	r := newRig(t)
	env := relay.NewEnvelope(relay.Source{
		Network:  relay.NetworkLoopback,
		SenderID: "alice-tg",
		Text:     "inbound",
	}, time.Now())
	// No response, no delivery id: nothing to do, nothing to crash on.
	r.dispatcher.handleOutbound(env)
	require.Empty(t, r.loopback.Delivered())
}

func TestRendererProducesHTMLForMarkdown(t *testing.T) {
	rend := NewRenderer()
	html, err := rend.HTML("some **bold** text")
	require.NoError(t, err)
	require.Contains(t, html, "<strong>bold</strong>")
}

func TestHTMLCapableNetworks(t *testing.T) {
	require.True(t, htmlCapable(relay.NetworkTelegram))
	require.True(t, htmlCapable(relay.NetworkSlack))
	require.False(t, htmlCapable(relay.NetworkNostr))
	require.False(t, htmlCapable(relay.NetworkLoopback))
}
