package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/link"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	recentLinesCapacity   = 20
)

// DefaultSetupCommands put the instrument into a quiet, machine-readable streaming mode.
var DefaultSetupCommands = []string{"ECHO OFF", "UNITS METRIC", "OUTPUT CSV", "STREAM ON"}

type BLELink interface {
	State() link.ConnectionState
	ScanResults() []link.DiscoveredDevice
	StartScan() error
	StopScan()
	Connect(address string) error
	Disconnect()
	Send(ctx context.Context, command string) error
}

type USBLink interface {
	State() link.ConnectionState
	Devices() (map[string]string, error)
	StartConnection(id string) error
	Disconnect()
	Send(ctx context.Context, command string) error
}

type Options struct {
	CommandTimeout time.Duration
	SetupCommands  []string
}

// Manager unifies the BLE and USB links into one connection: it tracks which transport
// owns the link, forwards that transport's lines and correlates commands with replies.
type Manager struct {
	logger *slog.Logger
	bus    bus.MessageBus
	ble    BLELink
	usb    USBLink

	commandTimeout time.Duration
	setupCommands  []string

	mu       sync.Mutex
	protocol link.Protocol
	state    link.ConnectionState
	recent   *recentLines
	waiters  []*lineWaiter

	sendMu sync.Mutex
}

type lineWaiter struct {
	match func(string) bool
	ch    chan string
}

func NewManager(logger *slog.Logger, b bus.MessageBus, ble BLELink, usb USBLink, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "instrument")
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	setup := opts.SetupCommands
	if setup == nil {
		setup = DefaultSetupCommands
	}

	return &Manager{
		logger:         logger,
		bus:            b,
		ble:            ble,
		usb:            usb,
		commandTimeout: timeout,
		setupCommands:  append([]string(nil), setup...),
		protocol:       link.ProtocolNone,
		state:          link.Disconnected(),
		recent:         newRecentLines(recentLinesCapacity),
	}
}

// Start consumes transport events until ctx is done. All transport topics share one
// subscription so state changes and lines are handled in publish order. The subscription
// is drained into an unbounded queue right away, since transports publish to it reliably
// and may hold their own locks while doing so.
func (m *Manager) Start(ctx context.Context) {
	topics := []string{
		link.TopicBLEState, link.TopicBLELines, link.TopicBLEScan,
		link.TopicUSBState, link.TopicUSBLines,
	}
	sub := m.bus.Subscribe(topics...)
	queue := newEventQueue()

	go func() {
		for msg := range sub {
			queue.push(msg)
		}
		queue.close()
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				m.bus.Unsubscribe(sub, topics...)
				return
			case <-queue.ready:
				msgs, open := queue.drain()
				for _, msg := range msgs {
					m.dispatch(ctx, msg)
				}
				if !open {
					return
				}
			}
		}
	}()
}

func (m *Manager) dispatch(ctx context.Context, msg any) {
	switch ev := msg.(type) {
	case link.StateEvent:
		m.handleState(ctx, ev)
	case link.LineEvent:
		m.handleLine(ev)
	case link.ScanEvent:
		m.bus.Publish(link.TopicScan, ev)
	default:
		m.logger.Debug("unexpected bus payload", "type", fmt.Sprintf("%T", msg))
	}
}

func (m *Manager) handleState(ctx context.Context, ev link.StateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.State.IsConnected() && !m.linkState(ev.Source).IsConnected() {
		m.logger.Debug("ignoring stale connected event", "source", ev.Source)
		return
	}

	switch {
	case m.protocol == ev.Source:
	case m.protocol == link.ProtocolNone && ev.State.IsConnected():
		m.logger.Info("transport claimed the link", "protocol", ev.Source)
		m.protocol = ev.Source
	case m.protocol == link.ProtocolNone && ev.Source == link.ProtocolBLE &&
		(ev.State.Kind == link.StateScanning || m.state.Kind == link.StateScanning):
		// Scanning is shown without claiming the link.
		m.setStateLocked(ev.State)
		return
	default:
		return
	}

	wasConnected := m.state.IsConnected()
	m.setStateLocked(ev.State)
	if !wasConnected && ev.State.IsConnected() {
		go m.handshake(ctx)
	}
}

func (m *Manager) linkState(p link.Protocol) link.ConnectionState {
	switch p {
	case link.ProtocolBLE:
		return m.ble.State()
	case link.ProtocolUSB:
		return m.usb.State()
	default:
		return link.Disconnected()
	}
}

func (m *Manager) setStateLocked(next link.ConnectionState) {
	if m.state == next {
		return
	}
	m.logger.Debug("state changed", "from", m.state, "to", next, "protocol", m.protocol)
	m.state = next
	m.bus.Publish(link.TopicState, link.StateEvent{Source: m.protocol, State: next, At: time.Now()})
}

func (m *Manager) handleLine(ev link.LineEvent) {
	m.mu.Lock()
	if m.protocol == link.ProtocolNone || ev.Source != m.protocol {
		m.mu.Unlock()
		return
	}
	m.recent.push(ev.Text)
	for i, w := range m.waiters {
		if w.match(ev.Text) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			w.ch <- ev.Text
			break
		}
	}
	m.mu.Unlock()

	m.bus.Publish(link.TopicLines, ev)
}

func (m *Manager) handshake(ctx context.Context) {
	if err := m.SendCommand(ctx, "", m.commandTimeout); err != nil {
		m.logger.Warn("handshake failed", "error", err)
		return
	}
	m.logger.Debug("handshake completed")
}

func (m *Manager) State() link.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Protocol() link.Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocol
}

// RecentLines returns the last lines received from the active transport, oldest first.
func (m *Manager) RecentLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recent.snapshot()
}

func (m *Manager) StartScan() error {
	return m.ble.StartScan()
}

func (m *Manager) StopScan() {
	m.ble.StopScan()
}

func (m *Manager) ScanResults() []link.DiscoveredDevice {
	return m.ble.ScanResults()
}

func (m *Manager) USBDevices() (map[string]string, error) {
	return m.usb.Devices()
}

// Connect switches the link to BLE, dropping USB first if it is active.
func (m *Manager) Connect(address string) error {
	m.mu.Lock()
	usbActive := m.protocol == link.ProtocolUSB
	m.mu.Unlock()
	if usbActive || isBusy(m.usb.State()) {
		m.logger.Info("disconnecting usb before switching to ble")
		m.usb.Disconnect()
	}

	m.mu.Lock()
	m.protocol = link.ProtocolBLE
	m.setStateLocked(link.Connecting())
	m.mu.Unlock()

	if err := m.ble.Connect(address); err != nil {
		m.mu.Lock()
		m.setStateLocked(link.Failed(err.Error()))
		m.mu.Unlock()
		return fmt.Errorf("connect ble: %w", err)
	}

	return nil
}

// StartUSBConnection switches the link to USB, always dropping BLE first.
func (m *Manager) StartUSBConnection(id string) error {
	m.ble.Disconnect()

	m.mu.Lock()
	m.protocol = link.ProtocolUSB
	m.setStateLocked(link.Connecting())
	m.mu.Unlock()

	if err := m.usb.StartConnection(id); err != nil {
		m.mu.Lock()
		m.setStateLocked(link.Failed(err.Error()))
		m.mu.Unlock()
		return fmt.Errorf("start usb connection: %w", err)
	}

	return nil
}

// Disconnect tears down both transports. It is idempotent.
func (m *Manager) Disconnect() {
	m.ble.Disconnect()
	m.usb.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocol = link.ProtocolNone
	m.setStateLocked(link.Disconnected())
}

func isBusy(s link.ConnectionState) bool {
	return s.Kind == link.StateConnecting || s.Kind == link.StateConnected
}

// SendCommand sends cmd over the active transport and waits until a line containing the
// prompt arrives. A non-positive timeout selects the configured default.
func (m *Manager) SendCommand(ctx context.Context, cmd string, timeout time.Duration) error {
	_, err := m.exchange(ctx, cmd, func(line string) bool {
		return strings.Contains(line, link.Prompt)
	}, timeout)
	return err
}

// SendCommandAndAwaitResponse sends cmd and returns the first line starting with prefix.
// Failures and timeouts are reported as ok=false.
func (m *Manager) SendCommandAndAwaitResponse(ctx context.Context, cmd, prefix string, timeout time.Duration) (string, bool) {
	line, err := m.exchange(ctx, cmd, func(line string) bool {
		return strings.HasPrefix(line, prefix)
	}, timeout)
	if err != nil {
		m.logger.Debug("command response not received", "command", cmd, "prefix", prefix, "error", err)
		return "", false
	}
	return line, true
}

// SetupSurveyor runs the setup sequence in order. The first command is retried once since
// the instrument may drop it while waking up; any other failure aborts the sequence.
func (m *Manager) SetupSurveyor(ctx context.Context) error {
	for i, cmd := range m.setupCommands {
		err := m.SendCommand(ctx, cmd, m.commandTimeout)
		if err != nil && i == 0 && ctx.Err() == nil {
			m.logger.Info("first setup command failed, retrying", "command", cmd, "error", err)
			err = m.SendCommand(ctx, cmd, m.commandTimeout)
		}
		if err != nil {
			return fmt.Errorf("setup command %d of %d: %w", i+1, len(m.setupCommands), err)
		}
	}
	m.logger.Info("surveyor setup completed", "commands", len(m.setupCommands))

	return nil
}

func (m *Manager) exchange(ctx context.Context, cmd string, match func(string) bool, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = m.commandTimeout
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	protocol := m.protocol
	var send func(context.Context, string) error
	switch protocol {
	case link.ProtocolBLE:
		send = m.ble.Send
	case link.ProtocolUSB:
		send = m.usb.Send
	}
	if send == nil {
		m.mu.Unlock()
		return "", &CommandError{Command: cmd, Protocol: protocol, Err: link.ErrNotConnected}
	}
	w := &lineWaiter{match: match, ch: make(chan string, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	defer m.removeWaiter(w)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- send(waitCtx, cmd)
	}()

	for {
		select {
		case line := <-w.ch:
			return line, nil
		case err := <-sendErr:
			if err != nil {
				return "", m.commandError(cmd, protocol, err)
			}
			sendErr = nil
		case <-waitCtx.Done():
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("%w: no response within %s", link.ErrTimeout, timeout)
			}
			return "", m.commandError(cmd, protocol, err)
		}
	}
}

func (m *Manager) removeWaiter(w *lineWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.waiters {
		if candidate == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) commandError(cmd string, protocol link.Protocol, err error) error {
	m.mu.Lock()
	recent := m.recent.snapshot()
	m.mu.Unlock()

	cmdErr := &CommandError{Command: cmd, Protocol: protocol, Recent: recent, Err: err}
	if errors.Is(err, link.ErrTimeout) {
		m.logger.Warn("command timed out", "command", cmd, "protocol", protocol, "recent", len(recent))
	} else {
		m.logger.Warn("command failed", "command", cmd, "protocol", protocol, "error", err)
	}

	return cmdErr
}
