// RelayBot - chat automation gateway
// License: MIT
//
// Copyright (c) 2026 RelayBot contributors

package session

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/logger"
)

type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// Sleep waits between reconnect attempts. It must return ctx.Err() when
	// ctx is cancelled. Defaults to a timer-based wait.
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
	Presenter PairingPresenter
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Transport   string    `json:"transport"`
	Attempts    int       `json:"reconnect_attempts"`
	Revision    uint64    `json:"credentials_revision"`
	SelfID      string    `json:"self_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Manager owns the single transport connection and its state machine.
type Manager struct {
	transport Transport
	store     CredentialStore
	bus       *bus.MessageBus
	opts      Options

	mu          sync.Mutex
	state       State
	attempts    int
	creds       *Credentials
	selfID      string
	connectedAt time.Time
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	terminated  chan struct{}

	// sendMu serializes sends with each other and with reconnect dials.
	sendMu sync.Mutex
}

func NewManager(transport Transport, store CredentialStore, mb *bus.MessageBus, opts Options) *Manager {
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = NewMemoryCredentialStore(nil)
	}
	return &Manager{
		transport:  transport,
		store:      store,
		bus:        mb,
		opts:       opts,
		state:      Unauthenticated,
		terminated: make(chan struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts the session. It is a no-op while the session is already
// running and fails with ErrSessionTerminated once terminated. With valid
// stored credentials the pairing step is skipped.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return ErrSessionTerminated
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	creds, err := m.store.Load(ctx)
	if err != nil {
		logger.WarnCF("session", "Failed to load stored credentials", map[string]interface{}{
			"error": err.Error(),
		})
		creds = nil
	}
	valid := creds.Valid(m.opts.Now())
	var blob []byte
	if valid {
		blob = creds.Blob
	}

	m.sendMu.Lock()
	events, err := m.transport.Connect(ctx, blob)
	m.sendMu.Unlock()
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return &TransportError{Op: "connect", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		cancel()
		_ = m.transport.Close()
		return ErrSessionTerminated
	}
	m.creds = creds
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	if !valid {
		m.transitionLocked(AwaitingPairing, "", nil)
	}
	m.mu.Unlock()

	logger.InfoCF("session", "Session started", map[string]interface{}{
		"transport":          m.transport.Name(),
		"resumed":            valid,
		"max_reconnects":     m.opts.MaxReconnectAttempts,
		"reconnect_delay_ms": m.opts.ReconnectDelay.Milliseconds(),
	})

	go m.run(runCtx, events, done)
	return nil
}

func (m *Manager) run(ctx context.Context, events <-chan TransportEvent, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				ev = TransportEvent{Type: EventClosed, Reason: ReasonConnectionClosed}
			}
			if ev.Type != EventClosed {
				m.handle(ctx, ev)
				continue
			}
			next, alive := m.handleClosed(ctx, ev)
			if !alive {
				return
			}
			events = next
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev TransportEvent) {
	switch ev.Type {
	case EventQR:
		m.mu.Lock()
		if m.state == Unauthenticated || m.state == Closing {
			m.transitionLocked(AwaitingPairing, "", nil)
		}
		m.mu.Unlock()
		logger.InfoC("session", "Pairing challenge received")
		if m.opts.Presenter != nil {
			m.opts.Presenter.PresentPairing(ev.QRCode)
		}

	case EventOpened:
		if len(ev.Credentials) > 0 {
			m.persist(ctx, ev.Credentials)
		}
		m.mu.Lock()
		m.attempts = 0
		if ev.SelfID != "" {
			m.selfID = ev.SelfID
		}
		m.connectedAt = m.opts.Now()
		m.transitionLocked(Connected, "", nil)
		m.mu.Unlock()

	case EventCredentialsUpdate:
		if len(ev.Credentials) > 0 {
			m.persist(ctx, ev.Credentials)
		}

	case EventInbound:
		if m.bus != nil {
			m.bus.PublishInbound(ev.Message)
		}
	}
}

// persist stores blob as the next credentials revision. Failures are
// logged; the in-memory copy is still advanced.
func (m *Manager) persist(ctx context.Context, blob []byte) {
	m.mu.Lock()
	rev := uint64(1)
	if m.creds != nil {
		rev = m.creds.Revision + 1
	}
	c := &Credentials{
		Blob:      append([]byte(nil), blob...),
		Revision:  rev,
		UpdatedAt: m.opts.Now(),
	}
	m.creds = c
	m.mu.Unlock()

	if err := m.store.Save(context.WithoutCancel(ctx), *c); err != nil {
		logger.WarnCF("session", "Failed to persist credentials", map[string]interface{}{
			"revision": rev,
			"error":    err.Error(),
		})
		return
	}
	logger.DebugCF("session", "Credentials persisted", map[string]interface{}{"revision": rev})
}

// handleClosed classifies a close and runs the bounded reconnect loop.
// It returns the next event stream, or false when the session is over.
func (m *Manager) handleClosed(ctx context.Context, ev TransportEvent) (<-chan TransportEvent, bool) {
	reason := ev.Reason
	if reason == "" {
		reason = ReasonConnectionLost
	}

	// Stored credentials stay until an explicit logout; Terminated blocks
	// any further connect from this manager.
	if reason.Fatal() {
		m.mu.Lock()
		m.transitionLocked(Terminated, reason, ev.Err)
		m.mu.Unlock()
		logger.ErrorCF("session", "Session logged out remotely; run logout and pair again", map[string]interface{}{
			"reason": string(reason),
		})
		_ = m.transport.Close()
		return nil, false
	}

	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return nil, false
	}
	m.transitionLocked(Closing, reason, ev.Err)
	m.mu.Unlock()

	fields := map[string]interface{}{"reason": string(reason)}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	logger.WarnCF("session", "Connection closed", fields)

	for {
		m.mu.Lock()
		if m.state == Terminated {
			m.mu.Unlock()
			return nil, false
		}
		if m.attempts >= m.opts.MaxReconnectAttempts {
			m.transitionLocked(Terminated, ReasonBudgetExhausted, ev.Err)
			attempts := m.attempts
			m.mu.Unlock()
			logger.ErrorCF("session", "Reconnect budget exhausted", map[string]interface{}{
				"attempts": attempts,
			})
			_ = m.transport.Close()
			return nil, false
		}
		m.attempts++
		attempt := m.attempts
		var blob []byte
		if m.creds.Valid(m.opts.Now()) {
			blob = m.creds.Blob
		}
		m.mu.Unlock()

		logger.InfoCF("session", "Reconnecting", map[string]interface{}{
			"attempt":  attempt,
			"max":      m.opts.MaxReconnectAttempts,
			"delay_ms": m.opts.ReconnectDelay.Milliseconds(),
		})
		if err := m.opts.Sleep(ctx, m.opts.ReconnectDelay); err != nil {
			return nil, false
		}

		m.sendMu.Lock()
		next, err := m.transport.Connect(ctx, blob)
		m.sendMu.Unlock()
		if err != nil {
			logger.WarnCF("session", "Reconnect attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		if blob == nil {
			m.mu.Lock()
			m.transitionLocked(AwaitingPairing, "", nil)
			m.mu.Unlock()
		}
		return next, true
	}
}

// transitionLocked moves to the target state and publishes exactly one
// event. Terminated is final. m.mu must be held.
func (m *Manager) transitionLocked(to State, reason CloseReason, err error) {
	if m.state == to || m.state == Terminated {
		return
	}
	prev := m.state
	m.state = to

	if m.bus != nil {
		m.bus.PublishEvent(bus.SessionEvent{
			Kind:     eventKind(to),
			Previous: prev.String(),
			State:    to.String(),
			Reason:   string(reason),
			Attempt:  m.attempts,
			Err:      err,
			At:       m.opts.Now(),
		})
	}
	logger.InfoCF("session", "State changed", map[string]interface{}{
		"from":   prev.String(),
		"to":     to.String(),
		"reason": string(reason),
	})
	if to == Terminated {
		close(m.terminated)
	}
}

func eventKind(s State) bus.EventKind {
	switch s {
	case AwaitingPairing:
		return bus.EventPairing
	case Connected:
		return bus.EventSessionOpened
	case Closing:
		return bus.EventSessionClosing
	default:
		return bus.EventSessionTerminated
	}
}

// Send transmits text while Connected. Outside Connected it fails fast
// with ErrNotConnected.
func (m *Manager) Send(ctx context.Context, recipientID, text string) (string, error) {
	if st := m.State(); st != Connected {
		return "", notConnected(st)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if st := m.State(); st != Connected {
		return "", notConnected(st)
	}
	id, err := m.transport.Send(ctx, recipientID, text)
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	return id, nil
}

// Shutdown terminates the session, releases the transport and waits for the
// event loop to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	wasRunning := m.running
	m.cancel = nil
	m.running = false
	m.transitionLocked(Terminated, ReasonShutdown, nil)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var closeErr error
	if wasRunning {
		if err := m.transport.Close(); err != nil {
			closeErr = &TransportError{Op: "close", Err: err}
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.InfoC("session", "Session shut down")
	return closeErr
}

// Logout revokes the session where the transport supports it, deletes the
// stored credentials and shuts down.
func (m *Manager) Logout(ctx context.Context) error {
	if lo, ok := m.transport.(Logouter); ok && m.State() == Connected {
		if err := lo.Logout(ctx); err != nil {
			logger.WarnCF("session", "Remote logout failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
	return m.Shutdown(ctx)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Terminated is closed once the session reaches Terminated.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminated
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:       m.state,
		StateName:   m.state.String(),
		Transport:   m.transport.Name(),
		Attempts:    m.attempts,
		SelfID:      m.selfID,
		ConnectedAt: m.connectedAt,
	}
	if m.creds != nil {
		st.Revision = m.creds.Revision
	}
	return st
}
