package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/link"
)

const (
	defaultUSBPermissionWait = 15 * time.Second
	defaultUSBReadTimeout    = 5 * time.Second
	defaultUSBWriteTimeout   = 5 * time.Second
	defaultUSBControlTimeout = 5 * time.Second
	defaultUSBBaudRate       = 115200
	usbReadBufferSize        = 4096

	lineCodingOneStopBit = 0
	lineCodingNoParity   = 0
	lineCodingDataBits   = 8
)

type USBTimings struct {
	PermissionWait time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ControlTimeout time.Duration
}

func DefaultUSBTimings() USBTimings {
	return USBTimings{
		PermissionWait: defaultUSBPermissionWait,
		ReadTimeout:    defaultUSBReadTimeout,
		WriteTimeout:   defaultUSBWriteTimeout,
		ControlTimeout: defaultUSBControlTimeout,
	}
}

type USBOptions struct {
	Timings  USBTimings
	BaudRate uint32
}

// USBTransport talks to a CDC-ACM instrument through a USBHost.
type USBTransport struct {
	host    USBHost
	bus     bus.MessageBus
	state   *link.StateHolder
	timings USBTimings
	baud    uint32
	logger  *slog.Logger

	mu      sync.Mutex
	sess    *usbSession
	writeMu sync.Mutex
}

type usbSession struct {
	id       string
	deviceID string
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	dev       USBDevice
	dataIface uint8
	claimed   bool
	bulkIn    uint8
	connected bool
	framer    *LineFramer
}

func NewUSBTransport(host USBHost, b bus.MessageBus, opts USBOptions) *USBTransport {
	timings := opts.Timings
	if timings == (USBTimings{}) {
		timings = DefaultUSBTimings()
	}
	baud := opts.BaudRate
	if baud == 0 {
		baud = defaultUSBBaudRate
	}

	return &USBTransport{
		host:    host,
		bus:     b,
		state:   link.NewStateHolder(b, link.ProtocolUSB, link.TopicUSBState),
		timings: timings,
		baud:    baud,
		logger:  transportLogger("usb"),
	}
}

func (t *USBTransport) Name() string {
	return "usb"
}

func (t *USBTransport) State() link.ConnectionState {
	return t.state.Get()
}

// Devices maps a display name to the host-specific device id.
func (t *USBTransport) Devices() (map[string]string, error) {
	infos, err := t.host.List()
	if err != nil {
		return nil, fmt.Errorf("list usb devices: %w", err)
	}

	devices := make(map[string]string, len(infos))
	for _, info := range infos {
		name := strings.TrimSpace(info.Name)
		if name == "" {
			name = fmt.Sprintf("USB %04x:%04x", info.VendorID, info.ProductID)
		}
		if _, taken := devices[name]; taken {
			name = fmt.Sprintf("%s (%s)", name, info.ID)
		}
		devices[name] = info.ID
	}

	return devices, nil
}

// StartConnection supersedes any session in progress and connects in the background.
// Progress is observable through State.
func (t *USBTransport) StartConnection(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("usb device id is empty")
	}

	t.mu.Lock()
	t.teardownLocked()
	ctx, cancel := context.WithCancel(context.Background())
	sessionID := ulid.Make().String()
	s := &usbSession{
		id:       sessionID,
		deviceID: id,
		ctx:      ctx,
		cancel:   cancel,
		logger:   t.logger.With("device", id, "session", sessionID),
		framer:   NewUSBFramer(),
	}
	t.sess = s
	t.state.Set(link.Connecting())
	t.mu.Unlock()

	go t.connect(s)

	return nil
}

func (t *USBTransport) connect(s *usbSession) {
	s.logger.Info("connecting")

	if !t.host.HasPermission(s.deviceID) {
		s.logger.Info("requesting device permission", "wait", t.timings.PermissionWait)
		if err := t.awaitPermission(s); err != nil {
			t.failIfCurrent(s, "USB permission denied.", err)
			return
		}
	}

	dev, err := t.host.Open(s.deviceID)
	if err != nil {
		t.failIfCurrent(s, "Failed to open USB device.", err)
		return
	}
	if !t.attach(s, func() { s.dev = dev }) {
		_ = dev.Close()
		return
	}

	cdc, ok := findCDCInterfaces(dev.Interfaces())
	if !ok {
		t.failIfCurrent(s, "USB device is not a CDC-ACM serial device.", link.ErrResourceNotFound)
		return
	}
	if err := dev.Claim(cdc.data.Number); err != nil {
		t.failIfCurrent(s, "Failed to claim USB interface.", err)
		return
	}
	if !t.attach(s, func() {
		s.claimed = true
		s.dataIface = cdc.data.Number
		s.bulkIn = cdc.bulkIn
	}) {
		return
	}
	s.logger.Debug("cdc interfaces claimed", "comm", cdc.comm.Number, "data", cdc.data.Number, "bulk_in", fmt.Sprintf("%#02x", cdc.bulkIn))

	if err := t.configureLine(s, dev, cdc.comm.Number); err != nil {
		t.failIfCurrent(s, "Failed to configure serial line.", err)
		return
	}

	if !t.attach(s, func() {
		s.connected = true
		s.framer.Reset()
		t.state.Set(link.Connected())
	}) {
		return
	}
	s.logger.Info("connected", "baud", t.baud)

	go t.readLoop(s)
}

// attach applies fn if s is still the current session.
func (t *USBTransport) attach(s *usbSession, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != s || s.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (t *USBTransport) awaitPermission(s *usbSession) error {
	granted := make(chan bool, 1)
	err := t.host.RequestPermission(s.deviceID, func(ok bool) {
		select {
		case granted <- ok:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", link.ErrPermissionDenied, err)
	}

	timer := time.NewTimer(t.timings.PermissionWait)
	defer timer.Stop()

	select {
	case ok := <-granted:
		if !ok {
			return link.ErrPermissionDenied
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %w: no answer within %s", link.ErrPermissionDenied, link.ErrTimeout, t.timings.PermissionWait)
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// configureLine sends SET_LINE_CODING (115200 8N1 by default) and raises DTR then RTS.
func (t *USBTransport) configureLine(s *usbSession, dev USBDevice, comm uint8) error {
	payload := lineCoding(t.baud, lineCodingOneStopBit, lineCodingNoParity, lineCodingDataBits)
	n, err := dev.Control(cdcRequestTypeOut, cdcSetLineCoding, 0, uint16(comm), payload, t.timings.ControlTimeout)
	if err != nil {
		return fmt.Errorf("%w: set line coding: %w", link.ErrIO, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: set line coding returned %d", link.ErrIO, n)
	}

	for _, lines := range []uint16{cdcControlDTR, cdcControlDTR | cdcControlRTS} {
		if _, err := dev.Control(cdcRequestTypeOut, cdcSetControlLineState, lines, uint16(comm), nil, t.timings.ControlTimeout); err != nil {
			s.logger.Warn("set control line state failed", "value", lines, "error", err)
		}
	}

	return nil
}

func (t *USBTransport) readLoop(s *usbSession) {
	buf := make([]byte, usbReadBufferSize)
	for {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.dev.BulkTransfer(s.bulkIn, buf, t.timings.ReadTimeout)
		if s.ctx.Err() != nil {
			return
		}
		if err == nil && n < 0 {
			err = fmt.Errorf("bulk read returned %d", n)
		}
		if err != nil {
			t.failIfCurrent(s, "Connection lost.", fmt.Errorf("%w: %w", link.ErrIO, err))
			return
		}
		if n == 0 {
			continue
		}

		lines := s.framer.Push(buf[:n])
		if len(lines) == 0 || t.bus == nil {
			continue
		}
		now := time.Now()
		for _, line := range lines {
			t.bus.PublishReliable(link.TopicUSBLines, link.LineEvent{Source: link.ProtocolUSB, Text: line, At: now})
		}
	}
}

// Send writes command plus CR to the data interface's bulk OUT endpoint.
func (t *USBTransport) Send(ctx context.Context, command string) error {
	t.mu.Lock()
	s := t.sess
	if s == nil || !s.connected {
		t.mu.Unlock()
		return link.ErrNotConnected
	}
	dev := s.dev
	iface := s.dataIface
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	out, ok := findBulkOut(dev.Interfaces(), iface)
	if !ok {
		return fmt.Errorf("%w: no bulk OUT endpoint on interface %d", link.ErrResourceNotFound, iface)
	}

	payload := []byte(command + "\r")
	n, err := dev.BulkTransfer(out, payload, t.timings.WriteTimeout)
	if err == nil && n < len(payload) {
		err = fmt.Errorf("short write: wrote %d of %d", n, len(payload))
	}
	if err != nil {
		err = fmt.Errorf("%w: bulk write: %w", link.ErrIO, err)
		t.failIfCurrent(s, "Write failed.", err)
		return err
	}
	s.logger.Debug("command sent", "payload_len", len(payload))

	return nil
}

// Disconnect is idempotent and always ends in Disconnected.
func (t *USBTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	t.state.Set(link.Disconnected())
}

func (t *USBTransport) Close() error {
	t.Disconnect()
	return nil
}

func (t *USBTransport) failIfCurrent(s *usbSession, message string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != s {
		return
	}
	s.logger.Warn("connection failed", "reason", message, "error", err)
	t.teardownLocked()
	t.state.Set(link.Failed(message))
}

func (t *USBTransport) teardownLocked() {
	s := t.sess
	if s == nil {
		return
	}
	t.sess = nil
	s.cancel()
	s.connected = false

	if s.dev == nil {
		return
	}
	var closeErr error
	if s.claimed {
		if err := s.dev.Release(s.dataIface); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("release interface %d: %w", s.dataIface, err))
		}
		s.claimed = false
	}
	if err := s.dev.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close device: %w", err))
	}
	if closeErr != nil {
		s.logger.Warn("usb teardown incomplete", "error", closeErr)
	}
	s.logger.Debug("session torn down")
}
