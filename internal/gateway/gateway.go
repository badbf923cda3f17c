// Package gateway defines the contract between the routing core and the
// platform transports, and dispatches outbound envelopes to whichever
// adapter owns the destination network.
package gateway

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/delivery"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/routing"
	"github.com/joelkehle/courier/internal/store"
)

// Outbound is the narrow call contract handed to an adapter. The adapter's
// transport mechanics are its own concern.
type Outbound struct {
	Destination   string
	Text          string
	HTML          string
	QuoteID       string
	Network       relay.Network
	CorrelationID string
}

// Adapter delivers one outbound message to its transport. The returned
// provider id, if any, is recorded on the delivery row.
type Adapter interface {
	Name() relay.Network
	Deliver(ctx context.Context, out Outbound) (providerID string, err error)
}

type Dispatcher struct {
	tracker  *delivery.Tracker
	contexts *routing.ContextStore
	renderer *Renderer
	timeout  time.Duration
	logger   *log.Logger

	mu       sync.RWMutex
	adapters map[relay.Network]Adapter
}

func NewDispatcher(b *bus.Bus, tracker *delivery.Tracker, contexts *routing.ContextStore) *Dispatcher {
	d := &Dispatcher{
		tracker:  tracker,
		contexts: contexts,
		renderer: NewRenderer(),
		timeout:  30 * time.Second,
		logger:   log.New(os.Stdout, "gateway ", log.LstdFlags),
		adapters: map[relay.Network]Adapter{},
	}
	b.Subscribe(relay.ChannelOutbound, d.handleOutbound)
	return d
}

func (d *Dispatcher) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Name()] = a
}

func (d *Dispatcher) adapterFor(n relay.Network) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[n]
	return a, ok
}

// handleOutbound delivers one outbound envelope and reports the outcome to
// the delivery tracker. Whatever the outcome, the routing context is spent:
// this envelope was the reply it existed for.
func (d *Dispatcher) handleOutbound(env *relay.Envelope) {
	if env.Response == nil || env.DeliveryID == "" {
		d.logger.Printf("dropping outbound without response or delivery correlation_id=%s", env.CorrelationID)
		return
	}
	defer d.contexts.Forget(env.CorrelationID)

	resp := env.Response
	adapter, ok := d.adapterFor(resp.Network)
	if !ok {
		d.logger.Printf("no adapter for network=%s correlation_id=%s", resp.Network, env.CorrelationID)
		d.tracker.Transition(env.DeliveryID, store.DeliveryCanceled, store.TransitionDetails{
			ErrorCode:    "no_adapter",
			ErrorMessage: "no adapter registered for network " + string(resp.Network),
		})
		return
	}

	out := Outbound{
		Destination:   resp.Destination,
		Text:          resp.Text,
		QuoteID:       resp.QuoteID,
		Network:       resp.Network,
		CorrelationID: env.CorrelationID,
	}
	if htmlCapable(resp.Network) {
		if html, err := d.renderer.HTML(resp.Text); err == nil {
			out.HTML = html
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	providerID, err := adapter.Deliver(ctx, out)
	if err != nil {
		d.logger.Printf("delivery failed network=%s correlation_id=%s: %v", resp.Network, env.CorrelationID, err)
		d.tracker.Transition(env.DeliveryID, store.DeliveryFailed, store.TransitionDetails{
			ErrorCode:    "transport",
			ErrorMessage: err.Error(),
		})
		return
	}
	d.tracker.Transition(env.DeliveryID, store.DeliverySent, store.TransitionDetails{ProviderID: providerID})
}

func htmlCapable(n relay.Network) bool {
	switch n {
	case relay.NetworkTelegram, relay.NetworkSlack:
		return true
	default:
		return false
	}
}
