// Package delivery creates outbound message/delivery pairs and records the
// outcomes that gateway adapters report back.
package delivery

import (
	"errors"
	"log"
	"os"

	"github.com/joelkehle/courier/internal/bus"
	"github.com/joelkehle/courier/internal/relay"
	"github.com/joelkehle/courier/internal/store"
)

type Tracker struct {
	store  store.API
	bus    *bus.Bus
	logger *log.Logger
}

func NewTracker(st store.API, b *bus.Bus) *Tracker {
	return &Tracker{
		store:  st,
		bus:    b,
		logger: log.New(os.Stdout, "delivery ", log.LstdFlags),
	}
}

// CreateOutbound projects the envelope's response into the store (message +
// queued delivery, atomically) and hands the envelope to the outbound
// channel for dispatch. The envelope must already carry a response.
func (t *Tracker) CreateOutbound(env *relay.Envelope, input store.CreateOutboundInput) (*store.Message, *store.Delivery, error) {
	if env.Response == nil {
		return nil, nil, relay.NewValidationError("envelope has no response to deliver")
	}
	m, d, err := t.store.CreateOutbound(input)
	if err != nil {
		return nil, nil, err
	}
	env.OutboundMessageID = m.MessageID
	env.DeliveryID = d.DeliveryID
	t.bus.Publish(relay.ChannelOutbound, env)
	return m, d, nil
}

// Transition records the outcome an adapter reports. Attempts to move a
// delivery out of a terminal state are logged and swallowed: callers must
// not un-fail or un-send a delivery, and the adapter contract does not
// surface the rejection.
func (t *Tracker) Transition(deliveryID string, status store.DeliveryStatus, details store.TransitionDetails) {
	_, err := t.store.TransitionDelivery(deliveryID, status, details)
	if err == nil {
		return
	}
	var re *relay.Error
	if errors.As(err, &re) && re.Code == relay.CodeConflict {
		t.logger.Printf("ignored transition delivery_id=%s to=%s: %v", deliveryID, status, err)
		return
	}
	t.logger.Printf("transition failed delivery_id=%s to=%s: %v", deliveryID, status, err)
}
