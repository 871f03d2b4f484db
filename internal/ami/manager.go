package ami

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// Manager handles Asterisk Manager Interface connections
type Manager struct {
	config Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	loggedIn  bool

	// Event handling
	eventChan chan Event
	loginChan chan Event
	stateChan chan bool

	// Action handling
	actionID       uint64
	pendingActions map[string]chan Event
	actionMutex    sync.Mutex

	// Connection management
	shutdown      chan struct{}
	closeOnce     sync.Once
	reconnectChan chan struct{}
	wg            sync.WaitGroup

	// Metrics
	totalEvents   uint64
	totalActions  uint64
	failedActions uint64
}

// Config holds AMI connection configuration
type Config struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	ActionTimeout     time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	BufferSize        int
}

// Event represents an AMI event or action response
type Event map[string]string

// Action represents an AMI action
type Action struct {
	Action   string
	ActionID string
	Fields   map[string]string
}

// NewManager creates a new AMI manager
func NewManager(config Config) *Manager {
	if config.Port == 0 {
		config.Port = 5038
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ActionTimeout == 0 {
		config.ActionTimeout = 10 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 2 * config.PingInterval
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}

	return &Manager{
		config:         config,
		eventChan:      make(chan Event, config.BufferSize),
		loginChan:      make(chan Event, 10),
		stateChan:      make(chan bool, 16),
		pendingActions: make(map[string]chan Event),
		shutdown:       make(chan struct{}),
		reconnectChan:  make(chan struct{}, 1),
	}
}

// Start connects in the background and keeps the session alive until Close.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.pingLoop()
	go m.reconnectHandler()

	if err := m.Connect(ctx); err != nil {
		logger.WithError(err).Warn("AMI connection failed, will retry")
		m.triggerReconnect()
	}
}

// Connect establishes connection to AMI and logs in.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	logger.WithField("addr", addr).Info("Connecting to Asterisk AMI")

	dialer := net.Dialer{
		Timeout: m.config.ConnectTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrEngineUnavailable, "failed to connect to AMI")
	}

	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.writer = bufio.NewWriter(conn)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	banner, err := m.reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return errors.Wrap(err, errors.ErrEngineUnavailable, "failed to read AMI banner")
	}

	conn.SetReadDeadline(time.Time{})

	banner = strings.TrimSpace(banner)
	logger.WithField("banner", banner).Debug("AMI Banner received")

	if !strings.Contains(banner, "Asterisk Call Manager") {
		conn.Close()
		return errors.New(errors.ErrEngineUnavailable, fmt.Sprintf("invalid AMI banner: %s", banner))
	}

	m.connected = true

	m.wg.Add(1)
	go m.eventReader(conn, m.reader)

	if err := m.performLogin(); err != nil {
		m.connected = false
		conn.Close()
		return err
	}

	m.loggedIn = true
	m.notifyState(true)

	logger.Info("Connected to Asterisk AMI successfully")
	return nil
}

// performLogin handles the login process
func (m *Manager) performLogin() error {
	logger.WithField("username", m.config.Username).Debug("Performing AMI login")

	loginAction := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
		m.config.Username, m.config.Password)

	m.writeMu.Lock()
	_, err := m.writer.WriteString(loginAction)
	if err == nil {
		err = m.writer.Flush()
	}
	m.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.ErrEngineUnavailable, "failed to send login")
	}

	timeout := time.NewTimer(m.config.ActionTimeout)
	defer timeout.Stop()

	for {
		select {
		case event := <-m.loginChan:
			switch event["Response"] {
			case "Success":
				logger.Debug("AMI login successful")
				return nil
			case "Error":
				msg := event["Message"]
				if msg == "" {
					msg = "Authentication failed"
				}
				return errors.New(errors.ErrAuthFailed, msg)
			}
		case <-timeout.C:
			return errors.New(errors.ErrEngineUnavailable, "login timeout")
		}
	}
}

// Close closes the AMI connection and stops background goroutines.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.shutdown)

		m.mu.Lock()
		wasConnected := m.connected
		m.connected = false
		m.loggedIn = false
		if m.conn != nil {
			m.conn.Close()
		}
		m.mu.Unlock()
		if wasConnected {
			m.notifyState(false)
		}

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("AMI manager closed gracefully")
		case <-time.After(5 * time.Second):
			logger.Warn("AMI manager close timeout")
		}
	})
}

// SendAction writes action and waits for the response with the same ActionID.
func (m *Manager) SendAction(ctx context.Context, action Action) (Event, error) {
	m.mu.RLock()
	if !m.connected || !m.loggedIn {
		m.mu.RUnlock()
		return nil, errors.New(errors.ErrEngineUnavailable, "not connected to AMI")
	}
	writer := m.writer
	m.mu.RUnlock()

	actionID := fmt.Sprintf("%d", atomic.AddUint64(&m.actionID, 1))
	action.ActionID = actionID

	responseChan := make(chan Event, 1)

	m.actionMutex.Lock()
	m.pendingActions[actionID] = responseChan
	m.actionMutex.Unlock()

	defer func() {
		m.actionMutex.Lock()
		delete(m.pendingActions, actionID)
		m.actionMutex.Unlock()
	}()

	m.writeMu.Lock()
	_, err := writer.WriteString(FormatAction(action))
	if err == nil {
		err = writer.Flush()
	}
	m.writeMu.Unlock()

	if err != nil {
		atomic.AddUint64(&m.failedActions, 1)
		m.triggerReconnect()
		return nil, errors.Wrap(err, errors.ErrEngineUnavailable, "failed to write AMI action")
	}

	atomic.AddUint64(&m.totalActions, 1)

	timer := time.NewTimer(m.config.ActionTimeout)
	defer timer.Stop()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timer.C:
		atomic.AddUint64(&m.failedActions, 1)
		return nil, errors.New(errors.ErrEngineUnavailable, "AMI action timeout").
			WithContext("action", action.Action)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.shutdown:
		return nil, errors.New(errors.ErrEngineUnavailable, "AMI manager shutting down")
	}
}

// FormatAction renders action in AMI wire format. Fields are sorted for stable output.
func FormatAction(action Action) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Action: %s\r\n", action.Action)
	if action.ActionID != "" {
		fmt.Fprintf(&sb, "ActionID: %s\r\n", action.ActionID)
	}

	keys := make([]string, 0, len(action.Fields))
	for k := range action.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, action.Fields[k])
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// eventReader reads events from one connection until it fails.
func (m *Manager) eventReader(conn net.Conn, reader *bufio.Reader) {
	defer m.wg.Done()

	for {
		if m.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		}
		event, err := ReadEvent(reader)
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			if !strings.Contains(err.Error(), "use of closed network connection") {
				logger.WithError(err).Error("Failed to read AMI event")
			}
			m.triggerReconnect()
			return
		}

		atomic.AddUint64(&m.totalEvents, 1)

		if _, hasResponse := event["Response"]; hasResponse {
			if _, hasActionID := event["ActionID"]; !hasActionID {
				select {
				case m.loginChan <- event:
				default:
				}
				continue
			}
		}

		if actionID, ok := event["ActionID"]; ok && actionID != "" {
			m.actionMutex.Lock()
			ch, exists := m.pendingActions[actionID]
			m.actionMutex.Unlock()
			if exists {
				select {
				case ch <- event:
				default:
				}
			}
			if _, isEvent := event["Event"]; !isEvent {
				continue
			}
		}

		select {
		case m.eventChan <- event:
		case <-time.After(100 * time.Millisecond):
			logger.WithField("event", event["Event"]).Warn("AMI event channel full, dropping event")
		}
	}
}

// ReadEvent reads a single key/value block terminated by an empty line.
func ReadEvent(reader *bufio.Reader) (Event, error) {
	event := make(Event)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(event) > 0 {
				return event, nil
			}
			return nil, err
		}

		line = strings.TrimSpace(line)

		if line == "" {
			if len(event) > 0 {
				return event, nil
			}
			continue
		}

		if idx := strings.Index(line, ":"); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			event[key] = value
		}
	}
}

// pingLoop sends periodic pings
func (m *Manager) pingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if !m.IsLoggedIn() {
				continue
			}
			if _, err := m.SendAction(context.Background(), Action{Action: "Ping"}); err != nil {
				logger.WithError(err).Warn("AMI ping failed")
			}
		}
	}
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectChan <- struct{}{}:
	default:
	}
}

// reconnectHandler handles reconnection
func (m *Manager) reconnectHandler() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			return
		case <-m.reconnectChan:
			logger.Info("AMI reconnection triggered")

			m.mu.Lock()
			wasConnected := m.connected
			m.connected = false
			m.loggedIn = false
			if m.conn != nil {
				m.conn.Close()
			}
			m.mu.Unlock()
			if wasConnected {
				m.notifyState(false)
			}

			select {
			case <-m.shutdown:
				return
			case <-time.After(m.config.ReconnectInterval):
			}

			ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout+m.config.ActionTimeout)
			err := m.Connect(ctx)
			cancel()
			if err != nil {
				logger.WithError(err).Error("AMI reconnection failed")
				m.triggerReconnect()
			}
		}
	}
}

func (m *Manager) notifyState(connected bool) {
	select {
	case m.stateChan <- connected:
	default:
		logger.WithField("connected", connected).Warn("AMI state channel full, dropping notification")
	}
}

// IsConnected returns connection status
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// IsLoggedIn returns login status
func (m *Manager) IsLoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loggedIn
}

// Stats is a point-in-time view of the client's counters.
type Stats struct {
	TotalEvents   uint64
	TotalActions  uint64
	FailedActions uint64
	Connected     bool
	LoggedIn      bool
}

// GetStats returns AMI statistics
func (m *Manager) GetStats() Stats {
	return Stats{
		TotalEvents:   atomic.LoadUint64(&m.totalEvents),
		TotalActions:  atomic.LoadUint64(&m.totalActions),
		FailedActions: atomic.LoadUint64(&m.failedActions),
		Connected:     m.IsConnected(),
		LoggedIn:      m.IsLoggedIn(),
	}
}

// EventChannel returns the event channel
func (m *Manager) EventChannel() <-chan Event {
	return m.eventChan
}

// StateChannel reports login (true) and connection loss (false).
func (m *Manager) StateChannel() <-chan bool {
	return m.stateChan
}
