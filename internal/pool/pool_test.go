package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/paywatch/internal/transport"
)

type subCall struct {
	topic  string
	params interface{}
}

type fakeSession struct {
	desc transport.ServerDescriptor

	mu     sync.Mutex
	subs   []subCall
	reason error
	closed bool

	done chan struct{}
}

func newFakeSession(desc transport.ServerDescriptor) *fakeSession {
	return &fakeSession{desc: desc, done: make(chan struct{})}
}

func (f *fakeSession) ServerID() string                   { return f.desc.Key() }
func (f *fakeSession) Server() transport.ServerDescriptor { return f.desc }
func (f *fakeSession) Done() <-chan struct{}              { return f.done }

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeSession) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (f *fakeSession) Subscribe(ctx context.Context, topic string, params interface{}, timeout time.Duration, ch chan<- transport.Inbound) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subCall{topic: topic, params: params})
	return json.RawMessage(`null`), nil
}

func (f *fakeSession) Close(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.reason = reason
	close(f.done)
}

func (f *fakeSession) subscriptions() []subCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subCall(nil), f.subs...)
}

// fakeFleet fabricates sessions per server, with configurable latency and
// failure per endpoint, and remembers every session it handed out.
type fakeFleet struct {
	mu       sync.Mutex
	latency  map[string]time.Duration
	failing  map[string]bool
	sessions map[string][]*fakeSession
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		latency:  make(map[string]time.Duration),
		failing:  make(map[string]bool),
		sessions: make(map[string][]*fakeSession),
	}
}

func (f *fakeFleet) dial(ctx context.Context, server transport.ServerDescriptor, opts transport.Options) (Session, error) {
	key := server.Key()

	f.mu.Lock()
	lat := f.latency[key]
	failing := f.failing[key]
	f.mu.Unlock()

	if lat > 0 {
		time.Sleep(lat)
	}
	if failing {
		return nil, fmt.Errorf("%w: %s", transport.ErrConnectTimeout, server.Addr())
	}

	sess := newFakeSession(server)
	f.mu.Lock()
	f.sessions[key] = append(f.sessions[key], sess)
	f.mu.Unlock()
	return sess, nil
}

func (f *fakeFleet) setFailing(key string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[key] = failing
}

func (f *fakeFleet) latest(key string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sessions[key]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func testServers(n int) []transport.ServerDescriptor {
	out := make([]transport.ServerDescriptor, n)
	for i := range out {
		out[i] = transport.ServerDescriptor{Host: fmt.Sprintf("indexer-%d", i), Port: 50001}
	}
	return out
}

func testConfig(servers []transport.ServerDescriptor) Config {
	return Config{
		Servers:      servers,
		MinSessions:  2,
		ProbeTimeout: time.Second,
		CallTimeout:  time.Second,
		BackoffBase:  50 * time.Millisecond,
		BackoffMax:   time.Second,
	}
}

func TestRanking(t *testing.T) {
	t.Run("should prefer the lowest-latency server", func(t *testing.T) {
		servers := testServers(3)
		fleet := newFakeFleet()
		fleet.latency[servers[0].Key()] = 60 * time.Millisecond
		fleet.latency[servers[1].Key()] = 5 * time.Millisecond
		fleet.latency[servers[2].Key()] = 30 * time.Millisecond

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		p.Probe(context.Background())
		got, err := p.Acquire(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, servers[1].Key(), got[0].ServerID())
	})

	t.Run("failed servers sink below healthy ones", func(t *testing.T) {
		servers := testServers(2)
		fleet := newFakeFleet()
		fleet.setFailing(servers[0].Key(), true)

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		p.Probe(context.Background())
		ranked := p.ranked()
		assert.Equal(t, servers[1].Key(), ranked[0].Key())
		assert.Equal(t, servers[0].Key(), ranked[1].Key())
	})
}

func TestAcquireDegraded(t *testing.T) {
	t.Run("all servers down yields empty set and DegradedPool", func(t *testing.T) {
		servers := testServers(3)
		fleet := newFakeFleet()
		for _, s := range servers {
			fleet.setFailing(s.Key(), true)
		}

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		p.Probe(context.Background())
		got, err := p.Acquire(context.Background(), 2)
		assert.ErrorIs(t, err, ErrDegradedPool)
		assert.Empty(t, got)
	})

	t.Run("partial availability returns what it has", func(t *testing.T) {
		servers := testServers(2)
		fleet := newFakeFleet()
		fleet.setFailing(servers[1].Key(), true)

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		p.Probe(context.Background())
		got, err := p.Acquire(context.Background(), 2)
		assert.ErrorIs(t, err, ErrDegradedPool)
		assert.Len(t, got, 1)
	})
}

func TestSubscribeAll(t *testing.T) {
	t.Run("should fan out to every active session", func(t *testing.T) {
		servers := testServers(2)
		fleet := newFakeFleet()

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		_, err := p.Acquire(context.Background(), 2)
		require.NoError(t, err)

		ch := make(chan transport.Inbound, 1)
		n, err := p.SubscribeAll(context.Background(), "address.subscribe", []string{"1abc"}, ch)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, s := range servers {
			sess := fleet.latest(s.Key())
			require.NotNil(t, sess)
			assert.Len(t, sess.subscriptions(), 1)
		}
	})

	t.Run("unsubscribed params are not replayed onto replacements", func(t *testing.T) {
		servers := testServers(2)
		fleet := newFakeFleet()

		cfg := testConfig(servers)
		cfg.MinSessions = 1
		p := New(cfg, nil, fleet.dial)
		defer p.Stop()

		got, err := p.Acquire(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		first := got[0]

		ch := make(chan transport.Inbound, 1)
		_, err = p.SubscribeAll(context.Background(), "address.subscribe", []string{"1abc"}, ch)
		require.NoError(t, err)
		_, err = p.SubscribeAll(context.Background(), "address.subscribe", []string{"1def"}, ch)
		require.NoError(t, err)

		p.Unsubscribe("address.subscribe", []string{"1abc"})

		first.Close(errors.New("server went away"))
		require.Eventually(t, func() bool {
			sessions := p.Sessions()
			return len(sessions) == 1 && sessions[0].ServerID() != first.ServerID()
		}, 2*time.Second, 10*time.Millisecond)

		replacement := fleet.latest(p.Sessions()[0].ServerID())
		require.NotNil(t, replacement)
		subs := replacement.subscriptions()
		require.Len(t, subs, 1)
		assert.Equal(t, []string{"1def"}, subs[0].params)
	})

	t.Run("no sessions reports DegradedPool but keeps the subscription", func(t *testing.T) {
		servers := testServers(1)
		fleet := newFakeFleet()
		fleet.setFailing(servers[0].Key(), true)

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		ch := make(chan transport.Inbound, 1)
		_, err := p.SubscribeAll(context.Background(), "address.subscribe", []string{"1abc"}, ch)
		assert.ErrorIs(t, err, ErrDegradedPool)

		// Server recovers; the remembered subscription must be replayed.
		fleet.setFailing(servers[0].Key(), false)
		_, err = p.Acquire(context.Background(), 1)
		require.NoError(t, err)

		sess := fleet.latest(servers[0].Key())
		require.NotNil(t, sess)
		assert.Len(t, sess.subscriptions(), 1)
	})
}

func TestReplacement(t *testing.T) {
	t.Run("closed session is replaced and subscriptions replayed", func(t *testing.T) {
		servers := testServers(2)
		fleet := newFakeFleet()

		cfg := testConfig(servers)
		cfg.MinSessions = 1
		p := New(cfg, nil, fleet.dial)
		defer p.Stop()

		got, err := p.Acquire(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		first := got[0]

		ch := make(chan transport.Inbound, 1)
		_, err = p.SubscribeAll(context.Background(), "address.subscribe", []string{"1abc"}, ch)
		require.NoError(t, err)

		first.Close(errors.New("server went away"))

		require.Eventually(t, func() bool {
			sessions := p.Sessions()
			return len(sessions) == 1 && sessions[0].ServerID() != first.ServerID()
		}, 2*time.Second, 10*time.Millisecond)

		replacement := fleet.latest(p.Sessions()[0].ServerID())
		require.NotNil(t, replacement)
		assert.Len(t, replacement.subscriptions(), 1)
	})
}

func TestHealthSnapshot(t *testing.T) {
	t.Run("failure bumps backoff, success resets it", func(t *testing.T) {
		servers := testServers(1)
		key := servers[0].Key()
		fleet := newFakeFleet()
		fleet.setFailing(key, true)

		p := New(testConfig(servers), nil, fleet.dial)
		defer p.Stop()

		p.Probe(context.Background())
		health := p.Health()
		require.Len(t, health, 1)
		assert.False(t, health[0].Healthy)
		assert.Equal(t, 1, health[0].ConsecutiveFailures)
		assert.False(t, health[0].NextRetry.IsZero())

		fleet.setFailing(key, false)
		time.Sleep(60 * time.Millisecond) // let the backoff window pass
		p.Probe(context.Background())

		health = p.Health()
		assert.True(t, health[0].Healthy)
		assert.Equal(t, 0, health[0].ConsecutiveFailures)
		assert.True(t, health[0].NextRetry.IsZero())
	})
}
