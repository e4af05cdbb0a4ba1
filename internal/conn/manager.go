// Package conn owns the duplex link to the clearing authority: transport
// lifecycle, request/response correlation, heartbeat and bounded-backoff
// reconnection. Many logical calls multiplex over the one connection; each is
// tracked by a unique correlation id while outstanding.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClearMesh/clearing_client/internal/config"
	"github.com/ClearMesh/clearing_client/internal/events"
	"github.com/ClearMesh/clearing_client/internal/metrics"
	"github.com/ClearMesh/clearing_client/internal/protocol"
	"github.com/ClearMesh/clearing_client/internal/signer"
	"github.com/ClearMesh/clearing_client/pkg/logger"
)

// SignFunc produces the signature strings attached to one request payload.
type SignFunc func(payload []byte) ([]string, error)

// SignerFunc adapts a MessageSigner into a SignFunc.
func SignerFunc(s signer.MessageSigner) SignFunc {
	return func(payload []byte) ([]string, error) {
		sig, err := signer.SignHex(s, payload)
		if err != nil {
			return nil, err
		}
		return []string{sig}, nil
	}
}

// StaticSigs attaches precomputed signatures, as the handshake verification
// step requires.
func StaticSigs(sigs ...string) SignFunc {
	return func([]byte) ([]string, error) { return sigs, nil }
}

// Caller sends one correlated request and awaits its settled outcome. The
// authenticator and the registry both speak through this interface.
type Caller interface {
	// Call signs with the connection's active signer, or sends unsigned
	// before the handshake completes.
	Call(ctx context.Context, method string, params any) (*protocol.Response, error)
	// CallWith overrides how the request is signed.
	CallWith(ctx context.Context, method string, params any, sign SignFunc) (*protocol.Response, error)
}

// HandshakeResult is what a successful authentication hands back to the
// manager: the credential and the signer for all subsequent traffic.
type HandshakeResult struct {
	Token     string
	Signer    signer.MessageSigner
	ExpiresAt time.Time
}

// HandshakeFunc drives the authentication exchange over a half-open
// connection. The connection reports connected only after it succeeds.
type HandshakeFunc func(ctx context.Context, c Caller) (HandshakeResult, error)

type callOutcome struct {
	resp *protocol.Response
	err  error
}

// pendingRequest tracks one outstanding call. The buffered channel plus
// delete-under-mutex guarantees exactly one settlement.
type pendingRequest struct {
	ch chan callOutcome
}

// Manager is the connection handle. Construct with New, then Connect; it is
// an explicit object passed by the caller, never a package singleton.
type Manager struct {
	cfg        *config.Config
	dial       Dialer
	handshake  HandshakeFunc
	dispatcher *events.Dispatcher
	log        *logger.Logger

	// afterFunc is swapped out by tests to make reconnect timing observable.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu             sync.Mutex
	status         Status
	transport      Transport
	nextID         uint64
	pending        map[uint64]*pendingRequest
	active         signer.MessageSigner
	token          string
	voluntary      bool
	backoff        *backoff
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	onState        func(Status)
}

// New builds a manager around the production websocket dialer.
func New(cfg *config.Config, handshake HandshakeFunc, dispatcher *events.Dispatcher, log *logger.Logger) *Manager {
	return NewWithDialer(cfg, WebSocketDialer(cfg.HandshakeTimeout), handshake, dispatcher, log)
}

// NewWithDialer builds a manager with a custom transport dialer.
func NewWithDialer(cfg *config.Config, dial Dialer, handshake HandshakeFunc, dispatcher *events.Dispatcher, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("conn")
	}
	if dispatcher == nil {
		dispatcher = events.NewDispatcher(log)
	}
	return &Manager{
		cfg:        cfg,
		dial:       dial,
		handshake:  handshake,
		dispatcher: dispatcher,
		log:        log,
		afterFunc:  time.AfterFunc,
		nextID:     1,
		pending:    make(map[uint64]*pendingRequest),
		backoff:    newBackoff(cfg.ReconnectDelays),
	}
}

// Dispatcher exposes the broadcast fan-out this connection feeds.
func (m *Manager) Dispatcher() *events.Dispatcher { return m.dispatcher }

// OnStateChange registers a status observer. Set it before Connect. The hook
// runs on the manager's goroutines and must not call back into the manager.
func (m *Manager) OnStateChange(fn func(Status)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current externally observable status.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Token returns the post-auth credential, empty until connected.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Connect opens the transport, drives the handshake and starts the
// heartbeat. It reports success only after authentication succeeds and is an
// idempotent no-op when already connected or connecting.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status.State {
	case StateConnecting, StateAuthenticating, StateConnected:
		m.mu.Unlock()
		return nil
	}
	m.voluntary = false
	m.setStatusLocked(Status{State: StateConnecting})
	m.mu.Unlock()

	t, err := m.dial(ctx, m.cfg.Endpoint)
	if err != nil {
		m.transition(Status{State: StateError, Err: err})
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.voluntary {
		// Disconnect raced the dial; drop the fresh transport.
		m.mu.Unlock()
		t.Close()
		return protocol.ErrConnectionClosed
	}
	m.transport = t
	m.setStatusLocked(Status{State: StateAuthenticating})
	m.mu.Unlock()

	// The read loop must run during the handshake so challenge responses
	// get correlated like any other reply.
	go m.readLoop(t)

	res, err := m.handshake(ctx, m)
	if err != nil {
		metrics.ObserveHandshake("failed")
		m.mu.Lock()
		if m.transport == t {
			m.transport = nil
		}
		m.setStatusLocked(Status{State: StateError, Err: err})
		m.mu.Unlock()
		t.Close()
		m.failAllPending(protocol.ErrConnectionClosed)
		if _, ok := err.(*protocol.AuthError); ok {
			return err
		}
		return &protocol.AuthError{Step: "handshake", Err: err}
	}

	hb := make(chan struct{})
	m.mu.Lock()
	m.active = res.Signer
	m.token = res.Token
	m.backoff.Reset()
	m.heartbeatStop = hb
	m.setStatusLocked(Status{State: StateConnected, Token: res.Token})
	m.mu.Unlock()

	metrics.ObserveHandshake("ok")
	go m.heartbeatLoop(hb)
	m.log.WithField("endpoint", m.cfg.Endpoint).Info("connected to clearing authority")
	return nil
}

// Disconnect closes the transport, rejects every outstanding request and
// stops the heartbeat and any scheduled reconnect. No reconnection follows a
// caller-initiated disconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.voluntary = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	t := m.transport
	m.transport = nil
	m.active = nil
	m.token = ""
	m.stopHeartbeatLocked()
	m.setStatusLocked(Status{State: StateDisconnected})
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	m.failAllPending(protocol.ErrConnectionClosed)
}

// Call implements Caller with the connection's active signer.
func (m *Manager) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil {
		return m.CallWith(ctx, method, params, nil)
	}
	return m.CallWith(ctx, method, params, SignerFunc(active))
}

// CallWith assigns a correlation id, registers a pending request, transmits
// the signed envelope and suspends the caller until the response, a remote
// error frame, a timeout or a disconnect settles it. Concurrent calls never
// block each other.
func (m *Manager) CallWith(ctx context.Context, method string, params any, sign SignFunc) (*protocol.Response, error) {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		metrics.ObserveRequest(method, "not_connected")
		return nil, protocol.ErrNotConnected
	}
	t := m.transport
	id := m.nextID
	m.nextID++
	p := &pendingRequest{ch: make(chan callOutcome, 1)}
	m.pending[id] = p
	m.mu.Unlock()

	metrics.PendingAdd(1)
	defer metrics.PendingAdd(-1)

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		m.forget(id)
		return nil, err
	}
	payload, err := req.Payload()
	if err != nil {
		m.forget(id)
		return nil, err
	}
	var sigs []string
	if sign != nil {
		if sigs, err = sign(payload); err != nil {
			m.forget(id)
			return nil, fmt.Errorf("sign %s: %w", method, err)
		}
	}
	frame, err := req.Envelope(sigs...)
	if err != nil {
		m.forget(id)
		return nil, err
	}

	if err := t.WriteMessage(frame); err != nil {
		m.forget(id)
		metrics.ObserveRequest(method, "write_error")
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		if out.err != nil {
			metrics.ObserveRequest(method, "error")
			return nil, out.err
		}
		metrics.ObserveRequest(method, "ok")
		return out.resp, nil
	case <-timer.C:
		if m.forget(id) {
			metrics.ObserveRequest(method, "timeout")
			return nil, fmt.Errorf("%s: %w", method, protocol.ErrTimeout)
		}
		// Settled concurrently with the timer; the outcome is already
		// buffered.
		out := <-p.ch
		if out.err != nil {
			metrics.ObserveRequest(method, "error")
			return nil, out.err
		}
		metrics.ObserveRequest(method, "ok")
		return out.resp, nil
	case <-ctx.Done():
		m.forget(id)
		metrics.ObserveRequest(method, "canceled")
		return nil, ctx.Err()
	}
}

// forget removes a pending entry without settling it. Reports whether the
// entry was still registered.
func (m *Manager) forget(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

// failAllPending sweeps the arena, rejecting every outstanding request
// exactly once so no caller hangs across a disconnect.
func (m *Manager) failAllPending(err error) {
	m.mu.Lock()
	swept := m.pending
	m.pending = make(map[uint64]*pendingRequest)
	m.mu.Unlock()

	for _, p := range swept {
		p.ch <- callOutcome{err: err}
	}
}

func (m *Manager) readLoop(t Transport) {
	for {
		raw, err := t.ReadMessage()
		if err != nil {
			m.handleClose(t, err)
			return
		}

		resp, perr := protocol.Parse(raw)
		if perr != nil {
			m.log.WithError(perr).Warn("dropping malformed frame")
			continue
		}

		if resp.IsBroadcast() {
			metrics.ObserveBroadcast(resp.Method)
			m.dispatcher.Publish(resp.Method, resp.Result)
			continue
		}

		m.mu.Lock()
		p, ok := m.pending[resp.ID]
		if ok {
			delete(m.pending, resp.ID)
		}
		m.mu.Unlock()
		if !ok {
			// Late reply for a request that already timed out.
			m.log.WithField("id", resp.ID).Debug("response for unknown request")
			continue
		}

		if rerr := resp.Err(); rerr != nil {
			p.ch <- callOutcome{err: rerr}
		} else {
			p.ch <- callOutcome{resp: resp}
		}
	}
}

// handleClose reacts to the transport's own close event, which is
// authoritative for liveness. Stale loops from an already-replaced transport
// are ignored.
func (m *Manager) handleClose(t Transport, err error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.active = nil
	m.token = ""
	m.stopHeartbeatLocked()
	voluntary := m.voluntary
	m.setStatusLocked(Status{State: StateDisconnected, Err: err})
	m.mu.Unlock()

	m.failAllPending(protocol.ErrConnectionClosed)

	if voluntary {
		return
	}
	m.log.WithError(err).Warn("connection lost")
	m.scheduleReconnect()
}

// scheduleReconnect arms a single reconnect attempt on the backoff schedule.
// Attempts are serialized: a second involuntary close while one is armed or
// running never spawns an overlapping attempt.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.voluntary || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	switch m.status.State {
	case StateConnecting, StateAuthenticating, StateConnected:
		m.mu.Unlock()
		return
	}
	delay := m.backoff.Next()
	attempt := m.backoff.Attempt()
	m.reconnectTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()

		if err := m.Connect(context.Background()); err != nil {
			m.scheduleReconnect()
		}
	})
	m.mu.Unlock()

	metrics.ObserveReconnect()
	m.log.WithField("attempt", attempt).
		WithField("delay", delay.String()).
		Info("reconnect scheduled")
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
			_, err := m.Call(ctx, protocol.MethodPing, nil)
			cancel()
			if err != nil {
				// Not fatal: the transport close event decides liveness.
				metrics.ObserveHeartbeatFailure()
				m.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) setStatusLocked(s Status) {
	m.status = s
	if m.onState != nil {
		fn := m.onState
		go fn(s)
	}
}

func (m *Manager) transition(s Status) {
	m.mu.Lock()
	m.setStatusLocked(s)
	m.mu.Unlock()
}
