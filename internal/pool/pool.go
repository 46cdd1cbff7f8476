package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/paywatch/internal/transport"
	"github.com/terminal-bench/paywatch/pkg/circuit"
)

// ErrDegradedPool signals that fewer healthy sessions are available than the
// corroboration policy wants. Callers keep serving with whatever they got.
var ErrDegradedPool = errors.New("server pool degraded")

// Session is the slice of transport.Session the pool and its consumers need.
// Tests substitute fakes through the Dialer.
type Session interface {
	ServerID() string
	Server() transport.ServerDescriptor
	Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
	Subscribe(ctx context.Context, topic string, params interface{}, timeout time.Duration, ch chan<- transport.Inbound) (json.RawMessage, error)
	Done() <-chan struct{}
	Err() error
	Close(reason error)
}

// Dialer opens a session to one server.
type Dialer func(ctx context.Context, server transport.ServerDescriptor, opts transport.Options) (Session, error)

func defaultDialer(ctx context.Context, server transport.ServerDescriptor, opts transport.Options) (Session, error) {
	s, err := transport.Dial(ctx, server, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config holds pool configuration.
type Config struct {
	Servers           []transport.ServerDescriptor
	MinSessions       int
	ProbeTimeout      time.Duration
	CallTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	SuperviseInterval time.Duration
	Transport         transport.Options
}

func (c Config) withDefaults() Config {
	if c.MinSessions <= 0 {
		c.MinSessions = 2
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.SuperviseInterval == 0 {
		c.SuperviseInterval = 15 * time.Second
	}
	return c
}

// ServerHealth is an immutable health snapshot for one server.
type ServerHealth struct {
	Server              transport.ServerDescriptor `json:"server"`
	Connected           bool                       `json:"connected"`
	Healthy             bool                       `json:"healthy"`
	Latency             time.Duration              `json:"latency"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	NextRetry           time.Time                  `json:"next_retry,omitempty"`
}

type serverState struct {
	desc      transport.ServerDescriptor
	probed    bool
	healthy   bool
	latency   time.Duration
	failures  int
	nextRetry time.Time
}

type subscription struct {
	topic  string
	params interface{}
	ch     chan<- transport.Inbound
}

// Pool owns the configured server list, ranks candidates by probe latency,
// keeps MinSessions sessions alive and replaces sessions that die. Health
// state is mutated only under the pool mutex by the supervisory paths;
// callers only ever see snapshots.
type Pool struct {
	cfg      Config
	dial     Dialer
	log      *zap.Logger
	breakers *circuit.BreakerGroup

	mu       sync.Mutex
	servers  map[string]*serverState
	sessions map[string]Session
	subs     []subscription

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool over the configured servers. A nil dialer uses the real
// transport.
func New(cfg Config, logger *zap.Logger, dial Dialer) *Pool {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = defaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	servers := make(map[string]*serverState, len(cfg.Servers))
	for _, desc := range cfg.Servers {
		servers[desc.Key()] = &serverState{desc: desc}
	}

	return &Pool{
		cfg:      cfg,
		dial:     dial,
		log:      logger.Named("pool"),
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 3,
			Timeout:     cfg.BackoffBase,
			HalfOpenMax: 1,
		}),
		servers:  servers,
		sessions: make(map[string]Session),
		shutdown: make(chan struct{}),
	}
}

// Probe connects and handshakes every retriable server in parallel and
// records round-trip latency. Failed servers sink in the ranking and are
// retried with capped exponential backoff, never removed.
func (p *Pool) Probe(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*serverState, 0, len(p.servers))
	now := time.Now()
	for key, st := range p.servers {
		if _, connected := p.sessions[key]; connected {
			continue
		}
		if !st.nextRetry.IsZero() && now.Before(st.nextRetry) {
			continue
		}
		candidates = append(candidates, st)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range candidates {
		st := st
		g.Go(func() error {
			key := st.desc.Key()
			start := time.Now()
			err := p.breakers.Execute(gctx, key, func() error {
				probeCtx, cancel := context.WithTimeout(gctx, p.cfg.ProbeTimeout)
				defer cancel()

				opts := p.cfg.Transport
				opts.ConnectTimeout = p.cfg.ProbeTimeout
				opts.HandshakeTimeout = p.cfg.ProbeTimeout

				s, err := p.dial(probeCtx, st.desc, opts)
				if err != nil {
					return err
				}
				s.Close(nil)
				return nil
			})
			if err != nil {
				p.markFailure(key, err)
				return nil
			}
			p.markSuccess(key, time.Since(start))
			return nil
		})
	}
	g.Wait()
}

// Acquire opens sessions to the top-ranked healthy servers until minSessions
// are active or the candidate list is exhausted. If the whole list is
// unhealthy it returns whatever it could open wrapped in ErrDegradedPool.
func (p *Pool) Acquire(ctx context.Context, minSessions int) ([]Session, error) {
	if minSessions <= 0 {
		minSessions = p.cfg.MinSessions
	}

	for _, st := range p.ranked() {
		if p.sessionCount() >= minSessions {
			break
		}
		p.openSession(ctx, st)
	}

	sessions := p.Sessions()
	if len(sessions) < minSessions {
		return sessions, fmt.Errorf("%w: %d of %d sessions available",
			ErrDegradedPool, len(sessions), minSessions)
	}
	return sessions, nil
}

func (p *Pool) openSession(ctx context.Context, desc transport.ServerDescriptor) bool {
	key := desc.Key()

	p.mu.Lock()
	if _, connected := p.sessions[key]; connected {
		p.mu.Unlock()
		return true
	}
	st, known := p.servers[key]
	if !known || (!st.nextRetry.IsZero() && time.Now().Before(st.nextRetry)) {
		p.mu.Unlock()
		return false
	}
	subs := append([]subscription(nil), p.subs...)
	p.mu.Unlock()

	opts := p.cfg.Transport
	start := time.Now()
	sess, err := p.dial(ctx, desc, opts)
	if err != nil {
		p.log.Warn("failed to open session", zap.String("server", key), zap.Error(err))
		p.markFailure(key, err)
		return false
	}
	p.markSuccess(key, time.Since(start))

	p.mu.Lock()
	p.sessions[key] = sess
	p.mu.Unlock()

	// Replay existing watches onto the new session so a replacement server
	// reports the same addresses as the one it replaced.
	for _, sub := range subs {
		if _, err := sess.Subscribe(ctx, sub.topic, sub.params, p.cfg.CallTimeout, sub.ch); err != nil {
			p.log.Warn("failed to replay subscription",
				zap.String("server", key), zap.String("topic", sub.topic), zap.Error(err))
		}
	}

	p.wg.Add(1)
	go p.watchSession(sess)

	p.log.Info("session opened", zap.String("server", key), zap.Duration("latency", time.Since(start)))
	return true
}

// watchSession replaces a session that closed unexpectedly. The replacement
// dial happens on this goroutine, so callers holding other sessions are
// never blocked by it.
func (p *Pool) watchSession(sess Session) {
	defer p.wg.Done()

	select {
	case <-sess.Done():
	case <-p.shutdown:
		return
	}

	key := sess.ServerID()
	p.mu.Lock()
	if p.sessions[key] == sess {
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	p.markFailure(key, sess.Err())
	p.log.Warn("session closed unexpectedly", zap.String("server", key))

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()
	for _, desc := range p.ranked() {
		if desc.Key() == key {
			continue
		}
		if p.sessionCount() >= p.cfg.MinSessions {
			break
		}
		if p.openSession(ctx, desc) {
			break
		}
	}
}

// SubscribeAll issues the same subscription on every active session and
// remembers it so replacement sessions are subscribed too. Duplicate
// notifications for one event from multiple servers are expected; the
// consumer corroborates, the pool does not suppress. Returns how many
// sessions accepted the subscription; zero active sessions is a degraded
// pool, not a failure — the subscription takes effect as servers recover.
func (p *Pool) SubscribeAll(ctx context.Context, topic string, params interface{}, ch chan<- transport.Inbound) (int, error) {
	p.mu.Lock()
	p.subs = append(p.subs, subscription{topic: topic, params: params, ch: ch})
	sessions := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	subscribed := 0
	for _, s := range sessions {
		if _, err := s.Subscribe(ctx, topic, params, p.cfg.CallTimeout, ch); err != nil {
			p.log.Warn("subscribe failed", zap.String("server", s.ServerID()), zap.Error(err))
			continue
		}
		subscribed++
	}

	if subscribed == 0 {
		return 0, fmt.Errorf("%w: no session accepted subscription %s", ErrDegradedPool, topic)
	}
	return subscribed, nil
}

// Unsubscribe drops a recorded subscription so replacement sessions no
// longer replay it. Sessions already holding the server-side registration
// keep it; notifications for retired params are dropped by the consumer.
func (p *Pool) Unsubscribe(topic string, params interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subs {
		if sub.topic == topic && reflect.DeepEqual(sub.params, params) {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

// Sessions returns an immutable snapshot of the active session set.
func (p *Pool) Sessions() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Health returns an immutable snapshot of per-server health.
func (p *Pool) Health() []ServerHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ServerHealth, 0, len(p.servers))
	for key, st := range p.servers {
		_, connected := p.sessions[key]
		out = append(out, ServerHealth{
			Server:              st.desc,
			Connected:           connected,
			Healthy:             st.healthy,
			Latency:             st.latency,
			ConsecutiveFailures: st.failures,
			NextRetry:           st.nextRetry,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Server.Key() < out[j].Server.Key()
	})
	return out
}

// Start probes the server list, opens the initial sessions and runs the
// supervisory loop until Stop. The initial acquire error (typically
// ErrDegradedPool on a cold start) is returned so callers can log it;
// the pool keeps recovering in the background either way.
func (p *Pool) Start(ctx context.Context) error {
	p.Probe(ctx)
	_, err := p.Acquire(ctx, p.cfg.MinSessions)

	p.wg.Add(1)
	go p.supervise()

	return err
}

func (p *Pool) supervise() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SuperviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.sessionCount() >= p.cfg.MinSessions {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			p.Probe(ctx)
			if _, err := p.Acquire(ctx, p.cfg.MinSessions); err != nil {
				p.log.Warn("pool below minimum sessions", zap.Error(err))
			}
			cancel()
		case <-p.shutdown:
			return
		}
	}
}

// Stop closes every session and stops supervision. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.shutdown)

		p.mu.Lock()
		sessions := make([]Session, 0, len(p.sessions))
		for _, s := range p.sessions {
			sessions = append(sessions, s)
		}
		p.sessions = make(map[string]Session)
		p.mu.Unlock()

		for _, s := range sessions {
			s.Close(nil)
		}
	})
	p.wg.Wait()
}

func (p *Pool) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ranked returns candidate servers best-first: probed healthy servers by
// ascending latency, then never-probed servers, then failed servers by
// fewest consecutive failures.
func (p *Pool) ranked() []transport.ServerDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]*serverState, 0, len(p.servers))
	for _, st := range p.servers {
		states = append(states, st)
	}

	rank := func(st *serverState) int {
		switch {
		case st.probed && st.healthy:
			return 0
		case !st.probed:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(states, func(i, j int) bool {
		ri, rj := rank(states[i]), rank(states[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return states[i].latency < states[j].latency
		}
		if ri == 2 {
			return states[i].failures < states[j].failures
		}
		return states[i].desc.Key() < states[j].desc.Key()
	})

	out := make([]transport.ServerDescriptor, len(states))
	for i, st := range states {
		out[i] = st.desc
	}
	return out
}

// markSuccess resets a server's health to fresh: failure count cleared,
// latency recorded, retriable immediately.
func (p *Pool) markSuccess(key string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.servers[key]
	if !ok {
		return
	}
	st.probed = true
	st.healthy = true
	st.latency = latency
	st.failures = 0
	st.nextRetry = time.Time{}
}

// markFailure bumps the failure count and pushes the next retry out with
// capped exponential backoff.
func (p *Pool) markFailure(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.servers[key]
	if !ok {
		return
	}
	st.probed = true
	st.healthy = false
	st.failures++

	backoff := p.cfg.BackoffBase << uint(st.failures-1)
	if backoff > p.cfg.BackoffMax || backoff <= 0 {
		backoff = p.cfg.BackoffMax
	}
	st.nextRetry = time.Now().Add(backoff)
}
