package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/paywatch/pkg/wire"
)

var (
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrRequestTimeout    = errors.New("request timed out")
)

// SessionClosedError is returned to callers whose in-flight requests were
// cancelled because the session closed underneath them.
type SessionClosedError struct {
	Reason error
}

func (e *SessionClosedError) Error() string {
	if e.Reason == nil {
		return "session closed"
	}
	return fmt.Sprintf("session closed: %v", e.Reason)
}

func (e *SessionClosedError) Unwrap() error { return e.Reason }

// ServerDescriptor identifies one candidate indexer endpoint.
// Host, port and security mode together are unique within a pool.
type ServerDescriptor struct {
	Host   string
	Port   int
	UseTLS bool
}

// Addr returns the dial address.
func (d ServerDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Key returns the pool-unique identity of the server.
func (d ServerDescriptor) Key() string {
	mode := "tcp"
	if d.UseTLS {
		mode = "tls"
	}
	return fmt.Sprintf("%s:%d/%s", d.Host, d.Port, mode)
}

// Options configures session establishment and per-call defaults.
type Options struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ClientName       string
	ProtocolVersion  string
	TLSConfig        *tls.Config
	Logger           *zap.Logger
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "paywatch"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "1.4"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Inbound is a notification tagged with the server that delivered it, so
// the consumer can attribute balance reports to a reporting server.
type Inbound struct {
	Server       string
	Notification wire.Notification
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Session is one persistent connection to one indexer server. A single
// reader goroutine processes inbound frames in arrival order; concurrent
// calls are multiplexed by correlation id. Sessions are never reused after
// Close.
type Session struct {
	server ServerDescriptor
	conn   net.Conn
	log    *zap.Logger

	nextID int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan pendingResult
	subs    map[string]chan<- Inbound
	closed  bool
	reason  error

	done chan struct{}
}

// Dial connects to the server, starts the reader loop and performs the
// protocol-version handshake. A connection that cannot be established
// within ConnectTimeout fails with ErrConnectTimeout; a server that
// rejects the version call fails with ErrHandshakeRejected.
func Dial(ctx context.Context, server ServerDescriptor, opts Options) (*Session, error) {
	opts = (&opts).withDefaults()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if server.UseTLS {
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: server.Host}
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		conn, err = tlsDialer.DialContext(ctx, "tcp", server.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", server.Addr())
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, server.Addr())
		}
		return nil, fmt.Errorf("connect %s: %w", server.Addr(), err)
	}

	s := &Session{
		server:  server,
		conn:    conn,
		log:     opts.Logger.With(zap.String("server", server.Key())),
		pending: make(map[int64]chan pendingResult),
		subs:    make(map[string]chan<- Inbound),
		done:    make(chan struct{}),
	}

	go s.readLoop()

	if err := s.handshake(ctx, opts); err != nil {
		s.Close(err)
		return nil, err
	}

	return s, nil
}

func (s *Session) handshake(ctx context.Context, opts Options) error {
	raw, err := s.Call(ctx, wire.MethodServerVersion,
		[]string{opts.ClientName, opts.ProtocolVersion}, opts.HandshakeTimeout)
	if err != nil {
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, rpcErr.Message)
		}
		return err
	}

	var version wire.VersionResult
	if err := json.Unmarshal(raw, &version); err != nil {
		return fmt.Errorf("%w: bad version payload: %v", ErrHandshakeRejected, err)
	}
	if version.Protocol != opts.ProtocolVersion {
		return fmt.Errorf("%w: server speaks protocol %q, want %q",
			ErrHandshakeRejected, version.Protocol, opts.ProtocolVersion)
	}
	return nil
}

// ServerID returns the unique identity of the connected server.
func (s *Session) ServerID() string { return s.server.Key() }

// Server returns the descriptor this session was dialed from.
func (s *Session) Server() ServerDescriptor { return s.server }

// Done is closed when the session is closed for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close reason once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Call sends a request and waits for the correlated response. The timeout
// bounds only this call; expiry cancels the waiter without disturbing other
// in-flight requests on the session.
func (s *Session) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		rawParams = data
	}

	id := atomic.AddInt64(&s.nextID, 1)
	ch := make(chan pendingResult, 1)

	s.mu.Lock()
	if s.closed {
		reason := s.reason
		s.mu.Unlock()
		return nil, &SessionClosedError{Reason: reason}
	}
	s.pending[id] = ch
	s.mu.Unlock()

	frame, err := wire.EncodeRequest(wire.Request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		s.dropPending(id)
		return nil, err
	}

	s.writeMu.Lock()
	_, err = s.conn.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("write failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		s.dropPending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, &SessionClosedError{Reason: s.Err()}
	}
}

// Subscribe registers a durable delivery channel for a topic and issues the
// subscription call, returning the server's initial value. Every later
// unsolicited frame with that method is delivered to ch in arrival order
// for the life of the session. A topic already registered keeps its channel;
// the call is still issued so the server learns about the new params
// (one channel serves every watched address on the topic).
func (s *Session) Subscribe(ctx context.Context, topic string, params interface{}, timeout time.Duration, ch chan<- Inbound) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		reason := s.reason
		s.mu.Unlock()
		return nil, &SessionClosedError{Reason: reason}
	}
	_, registered := s.subs[topic]
	if !registered {
		// Registered before the call so the first notification cannot
		// race past the acknowledgement.
		s.subs[topic] = ch
	}
	s.mu.Unlock()

	initial, err := s.Call(ctx, topic, params, timeout)
	if err != nil {
		if !registered {
			s.mu.Lock()
			delete(s.subs, topic)
			s.mu.Unlock()
		}
		return nil, err
	}
	return initial, nil
}

// Close tears the session down. It is idempotent: the first call records
// the reason, rejects every pending waiter with SessionClosedError, drops
// all subscriptions and releases the socket.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	pending := s.pending
	s.pending = make(map[int64]chan pendingResult)
	s.subs = make(map[string]chan<- Inbound)
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()

	for _, ch := range pending {
		ch <- pendingResult{err: &SessionClosedError{Reason: reason}}
	}
}

func (s *Session) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop is the single consumer of the socket. Frames are dispatched
// sequentially, so per-session ordering is preserved and subscription
// handlers never run concurrently for one session.
func (s *Session) readLoop() {
	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			s.Close(err)
			return
		}
		if len(line) <= 1 {
			continue
		}

		msg, err := wire.Parse(line)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch {
		case msg.Response != nil:
			s.dispatchResponse(msg.Response)
		case msg.Notification != nil:
			s.dispatchNotification(msg.Notification)
		}
	}
}

func (s *Session) dispatchResponse(resp *wire.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		// A response nobody is waiting for is a server bug or a late
		// reply to a timed-out call. Never surfaced as a notification.
		s.log.Warn("dropping response with unknown correlation id", zap.Int64("id", resp.ID))
		return
	}

	if resp.Error != nil {
		ch <- pendingResult{err: resp.Error}
		return
	}
	ch <- pendingResult{result: resp.Result}
}

func (s *Session) dispatchNotification(n *wire.Notification) {
	s.mu.Lock()
	ch, ok := s.subs[n.Method]
	s.mu.Unlock()

	if !ok {
		s.log.Debug("dropping notification for unsubscribed topic", zap.String("method", n.Method))
		return
	}

	select {
	case ch <- Inbound{Server: s.ServerID(), Notification: *n}:
	case <-s.done:
	}
}
