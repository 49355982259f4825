package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"thesischat/logging"
)

var (
	// ErrNotConnected indicates a send was attempted while the socket is not open.
	ErrNotConnected = errors.New("network: not connected")
	// ErrTransport matches every TransportError.
	ErrTransport = errors.New("network: transport error")
	// ErrNoIdentity indicates Connect was called without a user identity.
	ErrNoIdentity = errors.New("network: no user identity")
	// ErrConnectAborted indicates a pending connect was overtaken by Disconnect or Close.
	ErrConnectAborted = errors.New("network: connect aborted")
	// ErrManagerClosed indicates the manager was torn down.
	ErrManagerClosed = errors.New("network: connection manager closed")
)

// TransportError wraps a socket-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network: transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// ConnectionState represents the lifecycle state of the chat connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "IDLE"
	StateConnecting ConnectionState = "CONNECTING"
	StateOpen       ConnectionState = "OPEN"
	StateClosing    ConnectionState = "CLOSING"
	StateClosed     ConnectionState = "CLOSED"
	StateErrored    ConnectionState = "ERRORED"
)

// ManagerOptions controls runtime behavior of Manager.
type ManagerOptions struct {
	// Endpoint is the chat gateway base URL, e.g. wss://host/chat.
	Endpoint string
	Dialer   Dialer
	Logger   *zap.Logger

	// OnFrame receives every inbound payload in read order.
	OnFrame func(payload []byte)
	// OnStateChange is called after each state transition. err is set for ERRORED.
	OnStateChange func(state ConnectionState, err error)
}

// Manager owns the single live chat socket for one local user.
//
// Errors are never retried automatically; callers reconnect explicitly.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger

	mu         sync.Mutex
	state      ConnectionState
	connecting bool
	transport  Transport
	generation uint64
	userID     string
	lastErr    error
	closed     bool

	sendMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates an idle connection manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if options.Dialer == nil {
		options.Dialer = WebsocketDialer{}
	}

	return &Manager{
		options: options,
		logger:  logging.OrNop(options.Logger).Named("network"),
		state:   StateIdle,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that moved the connection to ERRORED, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// UserID returns the identity of the last connect attempt.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect opens the chat socket for userID.
//
// While a connect is in flight or the socket is open, Connect returns the
// current state without dialing again.
func (m *Manager) Connect(ctx context.Context, userID string) (ConnectionState, error) {
	if userID == "" {
		return m.State(), ErrNoIdentity
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StateClosed, ErrManagerClosed
	}
	if m.connecting || m.state == StateConnecting || m.state == StateOpen {
		state := m.state
		m.mu.Unlock()
		return state, nil
	}

	endpointURL, err := EndpointURL(m.options.Endpoint, userID)
	if err != nil {
		state := m.state
		m.mu.Unlock()
		return state, err
	}

	m.connecting = true
	m.userID = userID
	m.generation++
	generation := m.generation
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()

	m.notify(StateConnecting, nil)
	m.logger.Debug("dialing chat endpoint", zap.String("user_id", userID))

	transport, dialErr := m.options.Dialer.Dial(ctx, endpointURL)

	m.mu.Lock()
	if generation != m.generation || m.closed {
		m.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return m.State(), ErrConnectAborted
	}
	m.connecting = false

	if dialErr != nil {
		terr := &TransportError{Op: "dial", Err: dialErr}
		m.state = StateErrored
		m.lastErr = terr
		m.mu.Unlock()

		m.logger.Warn("chat connection failed", zap.String("user_id", userID), zap.Error(dialErr))
		m.notify(StateErrored, terr)
		return StateErrored, terr
	}

	m.transport = transport
	m.state = StateOpen
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(generation, transport)

	m.logger.Info("chat connection open", zap.String("user_id", userID))
	m.notify(StateOpen, nil)
	return StateOpen, nil
}

// Reconnect re-enters Connect with the last identity.
func (m *Manager) Reconnect(ctx context.Context) (ConnectionState, error) {
	userID := m.UserID()
	if userID == "" {
		return m.State(), ErrNoIdentity
	}
	return m.Connect(ctx, userID)
}

// Send writes one frame synchronously. There is no outbound queue.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	transport := m.transport
	generation := m.generation
	m.mu.Unlock()

	m.sendMu.Lock()
	err := transport.WriteMessage(websocket.TextMessage, payload)
	m.sendMu.Unlock()
	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		m.fail(generation, transport, terr)
		return terr
	}
	return nil
}

// Disconnect closes the socket: CLOSING then CLOSED.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	transport := m.transport
	m.transport = nil
	m.generation++
	m.connecting = false
	m.state = StateClosing
	m.mu.Unlock()

	m.notify(StateClosing, nil)

	var closeErr error
	if transport != nil {
		closeErr = transport.Close()
	}

	m.mu.Lock()
	closedNow := m.state == StateClosing
	if closedNow {
		m.state = StateClosed
	}
	m.mu.Unlock()

	if closedNow {
		m.logger.Info("chat connection closed")
		m.notify(StateClosed, nil)
	}
	return closeErr
}

// Close tears the manager down. Dials still in flight close their transport on completion.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.Disconnect()
	m.wg.Wait()
	return err
}

func (m *Manager) readLoop(generation uint64, transport Transport) {
	defer m.wg.Done()

	for {
		_, payload, err := transport.ReadMessage()
		if err != nil {
			if isNormalClose(err) {
				m.finish(generation, transport, StateClosed, nil)
				return
			}
			m.fail(generation, transport, &TransportError{Op: "read", Err: err})
			return
		}

		if !m.isCurrent(generation) {
			return
		}
		if m.options.OnFrame != nil {
			m.options.OnFrame(payload)
		}
	}
}

func (m *Manager) isCurrent(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return generation == m.generation && !m.closed
}

func (m *Manager) fail(generation uint64, transport Transport, err error) {
	m.finish(generation, transport, StateErrored, err)
}

func (m *Manager) finish(generation uint64, transport Transport, state ConnectionState, err error) {
	m.mu.Lock()
	if generation != m.generation || m.transport != transport {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.state = state
	m.lastErr = err
	m.mu.Unlock()

	_ = transport.Close()

	if err != nil {
		m.logger.Warn("chat connection lost", zap.Error(err))
	} else {
		m.logger.Info("chat connection closed by server")
	}
	m.notify(state, err)
}

func (m *Manager) notify(state ConnectionState, err error) {
	if m.options.OnStateChange != nil {
		m.options.OnStateChange(state, err)
	}
}
