package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/joelkehle/courier/internal/relay"
)

// Loopback is the in-process adapter used by tests and demo mode. It records
// every delivery and can be told to fail.
type Loopback struct {
	mu        sync.Mutex
	delivered []Outbound
	failNext  error
	seq       int
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Name() relay.Network {
	return relay.NetworkLoopback
}

func (l *Loopback) Deliver(ctx context.Context, out Outbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return "", err
	}
	l.seq++
	l.delivered = append(l.delivered, out)
	return fmt.Sprintf("loopback-%d", l.seq), nil
}

// FailNext makes the next Deliver call return err.
func (l *Loopback) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Delivered returns a copy of everything delivered so far.
func (l *Loopback) Delivered() []Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outbound{}, l.delivered...)
}
