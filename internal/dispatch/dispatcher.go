package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/paywatch/pkg/messaging"
	"github.com/terminal-bench/paywatch/shared/events"
)

// MerchantSession is one realtime delivery channel for a merchant. A
// merchant may hold several sessions at once (dashboard tabs, POS units);
// every session for the merchant receives every event.
type MerchantSession struct {
	ID         uuid.UUID
	MerchantID string

	Send chan []byte
	Done chan struct{}

	closeOnce sync.Once
}

func (s *MerchantSession) close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// Dispatcher fans payment events out to registered merchant sessions and
// mirrors them onto the event bus. Both paths are best-effort: a slow
// session gets dropped messages rather than stalling the watcher, and a
// nil or disconnected bus is skipped. The watch record in the store stays
// authoritative either way.
type Dispatcher struct {
	bus *messaging.Client
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*MerchantSession
}

// New creates a dispatcher. bus may be nil when no event bus is configured.
func New(bus *messaging.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:      bus,
		log:      logger.Named("dispatch"),
		sessions: make(map[uuid.UUID]*MerchantSession),
	}
}

// Register adds a realtime session for a merchant.
func (d *Dispatcher) Register(merchantID string) *MerchantSession {
	s := &MerchantSession{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Send:       make(chan []byte, 16),
		Done:       make(chan struct{}),
	}

	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()

	d.log.Debug("merchant session registered",
		zap.String("merchant", merchantID), zap.String("session", s.ID.String()))
	return s
}

// Unregister removes a session and closes its Done channel.
func (d *Dispatcher) Unregister(id uuid.UUID) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	if ok {
		s.close()
	}
}

// SessionCount returns the number of registered sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// WatchCreated announces a new watch to the merchant's sessions.
func (d *Dispatcher) WatchCreated(ev events.PaymentEvent) { d.deliver(ev) }

// PaymentPartial announces funds seen below the satisfying amount.
func (d *Dispatcher) PaymentPartial(ev events.PaymentEvent) { d.deliver(ev) }

// PaymentConfirmed announces a corroborated, satisfied payment.
func (d *Dispatcher) PaymentConfirmed(ev events.PaymentEvent) { d.deliver(ev) }

// PaymentExpired announces a watch that ran out its window unpaid.
func (d *Dispatcher) PaymentExpired(ev events.PaymentEvent) { d.deliver(ev) }

func (d *Dispatcher) deliver(ev events.PaymentEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("failed to encode payment event",
			zap.String("order", ev.OrderID), zap.Error(err))
		return
	}

	if d.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.bus.Publish(ctx, ev.Type, ev); err != nil {
			d.log.Warn("event bus publish failed",
				zap.String("subject", ev.Type), zap.Error(err))
		}
		cancel()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.MerchantID != ev.MerchantID {
			continue
		}
		select {
		case s.Send <- payload:
		case <-s.Done:
		default:
			d.log.Warn("dropping event for slow merchant session",
				zap.String("merchant", s.MerchantID),
				zap.String("session", s.ID.String()),
				zap.String("type", ev.Type))
		}
	}
}
