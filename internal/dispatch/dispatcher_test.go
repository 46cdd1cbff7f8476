package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/paywatch/shared/events"
)

func TestSessionRegistry(t *testing.T) {
	d := New(nil, nil)

	t.Run("register and unregister", func(t *testing.T) {
		s := d.Register("m1")
		assert.Equal(t, 1, d.SessionCount())

		d.Unregister(s.ID)
		assert.Equal(t, 0, d.SessionCount())

		select {
		case <-s.Done:
		default:
			t.Fatal("Done should be closed after unregister")
		}
	})

	t.Run("unregister twice is safe", func(t *testing.T) {
		s := d.Register("m1")
		d.Unregister(s.ID)
		d.Unregister(s.ID)
		assert.Equal(t, 0, d.SessionCount())
	})
}

func TestDelivery(t *testing.T) {
	t.Run("events reach all of the merchant's sessions", func(t *testing.T) {
		d := New(nil, nil)
		s1 := d.Register("m1")
		s2 := d.Register("m1")
		other := d.Register("m2")

		ev := events.NewPaymentEvent(events.PaymentConfirmed, "order-1", "m1", "1abc")
		ev.Amount = "0.05"
		d.PaymentConfirmed(ev)

		for _, s := range []*MerchantSession{s1, s2} {
			require.Len(t, s.Send, 1)
			var got events.PaymentEvent
			require.NoError(t, json.Unmarshal(<-s.Send, &got))
			assert.Equal(t, events.PaymentConfirmed, got.Type)
			assert.Equal(t, "order-1", got.OrderID)
			assert.Equal(t, "0.05", got.Amount)
		}
		assert.Empty(t, other.Send)
	})

	t.Run("slow session drops instead of blocking", func(t *testing.T) {
		d := New(nil, nil)
		s := d.Register("m1")

		// One more event than the send buffer holds, nobody reading.
		for i := 0; i <= cap(s.Send); i++ {
			d.PaymentPartial(events.NewPaymentEvent(events.PaymentPartial, "order-1", "m1", "1abc"))
		}

		assert.Len(t, s.Send, cap(s.Send))
	})

	t.Run("closed session is skipped", func(t *testing.T) {
		d := New(nil, nil)
		s := d.Register("m1")
		for i := 0; i < cap(s.Send); i++ {
			s.Send <- []byte("x")
		}
		d.Unregister(s.ID)

		// Session gone from the registry, no delivery attempted.
		d.PaymentExpired(events.NewPaymentEvent(events.PaymentExpired, "order-1", "m1", "1abc"))
		assert.Len(t, s.Send, cap(s.Send))
	})

	t.Run("nil bus is tolerated", func(t *testing.T) {
		d := New(nil, nil)
		assert.NotPanics(t, func() {
			d.PaymentConfirmed(events.NewPaymentEvent(events.PaymentConfirmed, "order-1", "m1", "1abc"))
		})
	})
}
