package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/paywatch/internal/pool"
	"github.com/terminal-bench/paywatch/internal/store"
	"github.com/terminal-bench/paywatch/internal/transport"
	"github.com/terminal-bench/paywatch/internal/vault"
	"github.com/terminal-bench/paywatch/pkg/wire"
	"github.com/terminal-bench/paywatch/shared/events"
)

// State is a payment watch's position in its lifecycle. Transitions are
// monotonic: a watch never regresses, and Confirmed/Expired absorb all
// further input.
type State int

const (
	StateAwaitingPayment State = iota
	StatePartiallyReceived
	StateConfirmed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAwaitingPayment:
		return "awaiting_payment"
	case StatePartiallyReceived:
		return "partially_received"
	case StateConfirmed:
		return "confirmed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateConfirmed || s == StateExpired
}

// BalanceNotification is one server's report of funds on an address. It is
// never authoritative alone; the watcher corroborates before confirming.
type BalanceNotification struct {
	Address       string
	Confirmed     decimal.Decimal
	Unconfirmed   decimal.Decimal
	Confirmations int
	TxID          string
	ServerID      string
	ReceivedAt    time.Time
}

// Policy holds the payment acceptance knobs.
type Policy struct {
	// Tolerance is the accepted shortfall fraction on the expected amount,
	// covering fee and exchange-rate rounding drift.
	Tolerance decimal.Decimal

	// Quorum is how many agreeing sessions (reporter included) are needed
	// before a watch confirms.
	Quorum int

	MinConfirmations       int
	HighValueThreshold     decimal.Decimal
	HighValueConfirmations int

	ExpiryWindow time.Duration
	CallTimeout  time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Tolerance:              decimal.NewFromFloat(0.005),
		Quorum:                 2,
		MinConfirmations:       1,
		HighValueThreshold:     decimal.NewFromInt(1),
		HighValueConfirmations: 6,
		ExpiryWindow:           time.Hour,
		CallTimeout:            10 * time.Second,
	}
}

func (p Policy) minConfirmationsFor(expected decimal.Decimal) int {
	if expected.GreaterThanOrEqual(p.HighValueThreshold) {
		return p.HighValueConfirmations
	}
	return p.MinConfirmations
}

// satisfactionFloor is the smallest confirmed amount that satisfies the
// expected amount under the tolerance.
func (p Policy) satisfactionFloor(expected decimal.Decimal) decimal.Decimal {
	return expected.Mul(decimal.NewFromInt(1).Sub(p.Tolerance))
}

// Pool is the slice of the server pool the watcher uses.
type Pool interface {
	SubscribeAll(ctx context.Context, topic string, params interface{}, ch chan<- transport.Inbound) (int, error)
	Unsubscribe(topic string, params interface{})
	Sessions() []pool.Session
}

// Dispatcher receives business-level transitions. Delivery past this
// boundary is best-effort; the stored record is authoritative.
type Dispatcher interface {
	PaymentPartial(ev events.PaymentEvent)
	PaymentConfirmed(ev events.PaymentEvent)
	PaymentExpired(ev events.PaymentEvent)
}

// Watch binds one order to one derived address.
type Watch struct {
	OrderID        string
	MerchantID     string
	Address        string
	DerivationPath string
	Expected       decimal.Decimal

	mu    sync.Mutex
	state State
	rec   store.WatchRecord
	timer *time.Timer
}

// State returns the watch's current state.
func (w *Watch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Watcher maps orders to derived addresses, feeds balance notifications
// through each order's state machine and emits payment events. Per-watch
// state is only touched under that watch's own mutex, so different orders
// never contend.
type Watcher struct {
	store      store.Store
	vault      *vault.Vault
	pool       Pool
	dispatcher Dispatcher
	policy     Policy
	passphrase string
	log        *zap.Logger

	notifCh chan transport.Inbound

	mu        sync.RWMutex
	byAddress map[string]*Watch
	byOrder   map[string]*Watch

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher. The passphrase unlocks merchants' stored seeds.
func New(st store.Store, v *vault.Vault, p Pool, d Dispatcher, policy Policy, passphrase string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:      st,
		vault:      v,
		pool:       p,
		dispatcher: d,
		policy:     policy,
		passphrase: passphrase,
		log:        logger.Named("watch"),
		notifCh:    make(chan transport.Inbound, 64),
		byAddress:  make(map[string]*Watch),
		byOrder:    make(map[string]*Watch),
		shutdown:   make(chan struct{}),
	}
}

// Start runs the notification consumer loop.
func (wr *Watcher) Start() {
	wr.wg.Add(1)
	go func() {
		defer wr.wg.Done()
		for {
			select {
			case in := <-wr.notifCh:
				wr.handleInbound(in)
			case <-wr.shutdown:
				return
			}
		}
	}()
}

// Stop halts notification processing. Watches stay persisted. The watch
// list is snapshotted before timers are stopped so no watch mutex is ever
// taken while the registry lock is held.
func (wr *Watcher) Stop() {
	wr.stopOnce.Do(func() { close(wr.shutdown) })
	wr.wg.Wait()

	wr.mu.Lock()
	watches := make([]*Watch, 0, len(wr.byOrder))
	for _, w := range wr.byOrder {
		watches = append(watches, w)
	}
	wr.mu.Unlock()

	for _, w := range watches {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}
}

// CreateWatch derives a fresh receiving address for the order, persists the
// watch and subscribes the address across the pool. A degraded pool does not
// fail creation: the watch stays AwaitingPayment and the pool replays the
// subscription once a server recovers. Vault or derivation failures are hard
// faults surfaced to the caller.
func (wr *Watcher) CreateWatch(ctx context.Context, orderID, merchantID string, expected decimal.Decimal) (*Watch, error) {
	blob, err := wr.store.GetSeed(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	seed, err := wr.vault.DecryptSeed(blob, wr.passphrase)
	if err != nil {
		return nil, err
	}

	// Blobs still in the legacy layout are upgraded in place the first
	// time they are read.
	if parsed, perr := vault.ParseBlob(blob); perr == nil && parsed.Format == vault.FormatLegacy {
		if upgraded, eerr := wr.vault.EncryptSeed(seed, wr.passphrase); eerr == nil {
			if serr := wr.store.PutSeed(ctx, merchantID, upgraded); serr == nil {
				wr.log.Info("migrated legacy seed blob", zap.String("merchant", merchantID))
			}
		}
	}

	index, err := wr.store.NextIndex(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if err := wr.store.ReserveIndex(ctx, merchantID, index); err != nil {
		return nil, err
	}

	address, path := wr.vault.DeriveAddress(seed, index)

	now := time.Now().UTC()
	rec := store.WatchRecord{
		OrderID:         orderID,
		MerchantID:      merchantID,
		Address:         address,
		DerivationPath:  path,
		DerivationIndex: index,
		ExpectedAmount:  expected.String(),
		State:           StateAwaitingPayment.String(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := wr.store.PutWatch(ctx, rec); err != nil {
		return nil, err
	}

	w := &Watch{
		OrderID:        orderID,
		MerchantID:     merchantID,
		Address:        address,
		DerivationPath: path,
		Expected:       expected,
		state:          StateAwaitingPayment,
		rec:            rec,
	}
	wr.register(w, wr.policy.ExpiryWindow)

	if _, err := wr.pool.SubscribeAll(ctx, wire.MethodSubscribeAddress, []string{address}, wr.notifCh); err != nil {
		wr.log.Warn("watch created on degraded pool",
			zap.String("order", orderID), zap.Error(err))
	}

	return w, nil
}

// Restore reloads persisted non-terminal watches after a restart and
// re-subscribes their addresses. Watches past their expiry window expire
// immediately.
func (wr *Watcher) Restore(ctx context.Context) error {
	recs, err := wr.store.ListActiveWatches(ctx)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		expected, err := decimal.NewFromString(rec.ExpectedAmount)
		if err != nil {
			wr.log.Error("skipping watch with bad amount",
				zap.String("order", rec.OrderID), zap.Error(err))
			continue
		}

		w := &Watch{
			OrderID:        rec.OrderID,
			MerchantID:     rec.MerchantID,
			Address:        rec.Address,
			DerivationPath: rec.DerivationPath,
			Expected:       expected,
			state:          StateAwaitingPayment,
			rec:            rec,
		}
		if rec.State == StatePartiallyReceived.String() {
			w.state = StatePartiallyReceived
		}

		remaining := time.Until(rec.CreatedAt.Add(wr.policy.ExpiryWindow))
		if remaining <= 0 {
			wr.register(w, time.Millisecond)
		} else {
			wr.register(w, remaining)
		}

		if _, err := wr.pool.SubscribeAll(ctx, wire.MethodSubscribeAddress, []string{rec.Address}, wr.notifCh); err != nil {
			wr.log.Warn("restored watch on degraded pool",
				zap.String("order", rec.OrderID), zap.Error(err))
		}
	}
	return nil
}

// Deliver feeds one inbound notification to the consumer loop. The pool
// writes to the same channel directly; this is the entry point for anything
// else holding an Inbound.
func (wr *Watcher) Deliver(in transport.Inbound) {
	select {
	case wr.notifCh <- in:
	case <-wr.shutdown:
	}
}

// Lookup returns the in-memory watch for an order.
func (wr *Watcher) Lookup(orderID string) (*Watch, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	w, ok := wr.byOrder[orderID]
	return w, ok
}

func (wr *Watcher) register(w *Watch, expiry time.Duration) {
	wr.mu.Lock()
	wr.byAddress[w.Address] = w
	wr.byOrder[w.OrderID] = w
	wr.mu.Unlock()

	w.mu.Lock()
	w.timer = time.AfterFunc(expiry, func() { wr.expire(w) })
	w.mu.Unlock()
}

// retire removes a terminal watch from the lookup maps and stops the pool
// from replaying its subscription onto future sessions. Must not be called
// with any watch mutex held.
func (wr *Watcher) retire(w *Watch) {
	wr.mu.Lock()
	delete(wr.byAddress, w.Address)
	delete(wr.byOrder, w.OrderID)
	wr.mu.Unlock()

	wr.pool.Unsubscribe(wire.MethodSubscribeAddress, []string{w.Address})
}

func (wr *Watcher) handleInbound(in transport.Inbound) {
	if in.Notification.Method != wire.MethodSubscribeAddress {
		return
	}

	var status wire.AddressStatus
	if err := json.Unmarshal(in.Notification.Params, &status); err != nil {
		wr.log.Warn("dropping malformed balance notification", zap.Error(err))
		return
	}

	bn, err := toBalanceNotification(status, in.Server)
	if err != nil {
		wr.log.Warn("dropping balance notification with bad amounts",
			zap.String("address", status.Address), zap.Error(err))
		return
	}

	wr.mu.RLock()
	w, ok := wr.byAddress[bn.Address]
	wr.mu.RUnlock()
	if !ok {
		// Terminal watches are unregistered; late duplicates land here.
		wr.log.Debug("no active watch for address", zap.String("address", bn.Address))
		return
	}

	wr.Evaluate(w, bn)
}

func toBalanceNotification(status wire.AddressStatus, serverID string) (BalanceNotification, error) {
	confirmed, err := decimal.NewFromString(status.Confirmed)
	if err != nil {
		return BalanceNotification{}, fmt.Errorf("confirmed amount: %w", err)
	}
	unconfirmed := decimal.Zero
	if status.Unconfirmed != "" {
		unconfirmed, err = decimal.NewFromString(status.Unconfirmed)
		if err != nil {
			return BalanceNotification{}, fmt.Errorf("unconfirmed amount: %w", err)
		}
	}
	return BalanceNotification{
		Address:       status.Address,
		Confirmed:     confirmed,
		Unconfirmed:   unconfirmed,
		Confirmations: status.Confirmations,
		TxID:          status.TxID,
		ServerID:      serverID,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// Evaluate runs one balance notification through the watch's state machine.
// Safe to call with duplicates: terminal states are no-ops and the confirmed
// event is dispatched exactly once. State mutation happens under the watch
// mutex; corroboration, persistence and dispatch run outside it so a stalled
// store or dispatcher never wedges the lock hierarchy.
func (wr *Watcher) Evaluate(w *Watch, bn BalanceNotification) {
	floor := wr.policy.satisfactionFloor(w.Expected)
	minConf := wr.policy.minConfirmationsFor(w.Expected)

	w.mu.Lock()
	if w.state.terminal() {
		w.mu.Unlock()
		return
	}

	if bn.Confirmed.LessThan(floor) {
		var rec store.WatchRecord
		var ev *events.PaymentEvent
		if bn.Confirmed.IsPositive() || bn.Unconfirmed.IsPositive() {
			rec, ev = wr.toPartialLocked(w, bn)
		}
		w.mu.Unlock()
		wr.finishPartial(rec, ev)
		return
	}

	if bn.Confirmations < minConf {
		rec, ev := wr.toPartialLocked(w, bn)
		w.mu.Unlock()
		wr.finishPartial(rec, ev)
		return
	}
	w.mu.Unlock()

	agreed, corroborators := wr.corroborate(w, bn, floor, minConf)

	w.mu.Lock()
	if w.state.terminal() {
		// Expired while corroboration queries were in flight.
		w.mu.Unlock()
		return
	}

	if !agreed {
		wr.log.Warn("servers disagree on balance, holding at partially received",
			zap.String("order", w.OrderID),
			zap.String("address", w.Address),
			zap.String("reported_by", bn.ServerID))
		rec, ev := wr.toPartialLocked(w, bn)
		w.mu.Unlock()
		wr.finishPartial(rec, ev)
		return
	}

	w.state = StateConfirmed
	if w.timer != nil {
		w.timer.Stop()
	}
	w.rec.State = w.state.String()
	w.rec.ConfirmedAmount = bn.Confirmed.String()
	w.rec.UpdatedAt = time.Now().UTC()
	rec := w.rec
	w.mu.Unlock()

	wr.persist(rec)

	ev := events.NewPaymentEvent(events.PaymentConfirmed, w.OrderID, w.MerchantID, w.Address)
	ev.Amount = bn.Confirmed.String()
	ev.Confirmations = bn.Confirmations
	ev.ReportedBy = bn.ServerID
	ev.CorroboratedBy = corroborators
	wr.dispatcher.PaymentConfirmed(ev)

	wr.retire(w)
	wr.log.Info("payment confirmed",
		zap.String("order", w.OrderID),
		zap.String("amount", bn.Confirmed.String()),
		zap.Strings("corroborated_by", corroborators))
}

// corroborate re-queries other active sessions until quorum-1 independent
// agreements are collected. The whole pass shares one CallTimeout deadline
// so a watch under corroboration delays the consumer loop by at most one
// timeout, not one per candidate. With no other session available (degraded
// pool) the remaining corroboration path is a fresh query against any
// session, slower but still a second answer.
func (wr *Watcher) corroborate(w *Watch, bn BalanceNotification, floor decimal.Decimal, minConf int) (bool, []string) {
	need := wr.policy.Quorum - 1
	if need < 1 {
		need = 1
	}

	sessions := wr.pool.Sessions()
	candidates := make([]pool.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ServerID() != bn.ServerID {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		if len(sessions) == 0 {
			return false, nil
		}
		wr.log.Warn("degraded corroboration: no independent session, re-querying reporter",
			zap.String("order", w.OrderID))
		candidates = sessions
	}

	ctx, cancel := context.WithTimeout(context.Background(), wr.policy.CallTimeout)
	defer cancel()

	var agreeing []string
	for _, s := range candidates {
		if len(agreeing) >= need {
			break
		}

		raw, err := s.Call(ctx, wire.MethodGetBalance, []string{w.Address}, wr.policy.CallTimeout)
		if err != nil {
			wr.log.Warn("corroboration query failed",
				zap.String("server", s.ServerID()), zap.Error(err))
			continue
		}

		var result wire.BalanceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			wr.log.Warn("corroboration reply malformed",
				zap.String("server", s.ServerID()), zap.Error(err))
			continue
		}
		confirmed, err := decimal.NewFromString(result.Confirmed)
		if err != nil {
			wr.log.Warn("corroboration reply has bad amount",
				zap.String("server", s.ServerID()), zap.Error(err))
			continue
		}

		if !confirmed.GreaterThanOrEqual(floor) {
			wr.log.Warn("corroboration disagreement",
				zap.String("server", s.ServerID()),
				zap.String("reported", bn.Confirmed.String()),
				zap.String("corroborated", confirmed.String()))
			continue
		}
		if bn.TxID != "" && !wr.verifyTransaction(ctx, s, bn.TxID, minConf) {
			continue
		}
		agreeing = append(agreeing, s.ServerID())
	}

	return len(agreeing) >= need, agreeing
}

// verifyTransaction fetches the funding transaction from the corroborating
// session and checks its confirmation depth independently of the balance
// reply. A failed or malformed fetch does not veto the agreement; only a
// transaction the server knows and reports as too shallow does.
func (wr *Watcher) verifyTransaction(ctx context.Context, s pool.Session, txid string, minConf int) bool {
	raw, err := s.Call(ctx, wire.MethodGetTransaction, []string{txid}, wr.policy.CallTimeout)
	if err != nil {
		wr.log.Warn("transaction fetch failed, trusting balance reply",
			zap.String("server", s.ServerID()),
			zap.String("txid", txid), zap.Error(err))
		return true
	}

	var tx wire.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		wr.log.Warn("transaction reply malformed",
			zap.String("server", s.ServerID()), zap.Error(err))
		return true
	}

	if tx.Confirmations < minConf {
		wr.log.Warn("transaction below required confirmation depth",
			zap.String("server", s.ServerID()),
			zap.String("txid", txid),
			zap.Int("confirmations", tx.Confirmations),
			zap.Int("required", minConf))
		return false
	}
	return true
}

// toPartialLocked lifts an awaiting watch to PartiallyReceived and returns
// the record snapshot and event for the caller to persist and dispatch after
// releasing the lock. The event is nil when the state was already past
// AwaitingPayment. Must be called with w.mu held.
func (wr *Watcher) toPartialLocked(w *Watch, bn BalanceNotification) (store.WatchRecord, *events.PaymentEvent) {
	if w.state != StateAwaitingPayment {
		return store.WatchRecord{}, nil
	}
	w.state = StatePartiallyReceived
	w.rec.State = w.state.String()
	w.rec.UpdatedAt = time.Now().UTC()

	ev := events.NewPaymentEvent(events.PaymentPartial, w.OrderID, w.MerchantID, w.Address)
	ev.Amount = bn.Confirmed.String()
	ev.Confirmations = bn.Confirmations
	ev.ReportedBy = bn.ServerID
	return w.rec, &ev
}

func (wr *Watcher) finishPartial(rec store.WatchRecord, ev *events.PaymentEvent) {
	if ev == nil {
		return
	}
	wr.persist(rec)
	wr.dispatcher.PaymentPartial(*ev)
}

func (wr *Watcher) expire(w *Watch) {
	w.mu.Lock()
	if w.state.terminal() {
		w.mu.Unlock()
		return
	}
	w.state = StateExpired
	w.rec.State = w.state.String()
	w.rec.UpdatedAt = time.Now().UTC()
	rec := w.rec
	w.mu.Unlock()

	wr.persist(rec)
	wr.dispatcher.PaymentExpired(
		events.NewPaymentEvent(events.PaymentExpired, w.OrderID, w.MerchantID, w.Address))

	wr.retire(w)
	wr.log.Info("watch expired", zap.String("order", w.OrderID))
}

func (wr *Watcher) persist(rec store.WatchRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wr.store.PutWatch(ctx, rec); err != nil {
		wr.log.Error("failed to persist watch state",
			zap.String("order", rec.OrderID), zap.Error(err))
	}
}
