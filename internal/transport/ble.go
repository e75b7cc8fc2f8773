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

	"github.com/skobkin/surveylink/internal/bluetoothutil"
	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/link"
)

const (
	defaultBLEScanTimeout      = 30 * time.Second
	defaultBLESettleDelay      = 150 * time.Millisecond
	defaultBLEWarmupWindow     = 3000 * time.Millisecond
	defaultBLEWarmupRetryDelay = 500 * time.Millisecond
	defaultBLEMTUWait          = 800 * time.Millisecond
	defaultBLENoDataWatchdog   = 2 * time.Second
	defaultBLEWriteAckTimeout  = 3 * time.Second

	requestedBLEMTU = 247
	// Only the first attempt of a Connect call may absorb a status-133 glitch.
	maxWarmupGlitchAttempts = 1
)

// DefaultBLENameFilters matches the advertised names of the instrument's BLE bridge.
var DefaultBLENameFilters = []string{"BT+BLE_Bridge"}

// BLETimings holds the empirically tuned delays of the connection state machine.
type BLETimings struct {
	ScanTimeout      time.Duration
	SettleDelay      time.Duration
	WarmupWindow     time.Duration
	WarmupRetryDelay time.Duration
	MTUWait          time.Duration
	NoDataWatchdog   time.Duration
	WriteAckTimeout  time.Duration
}

func DefaultBLETimings() BLETimings {
	return BLETimings{
		ScanTimeout:      defaultBLEScanTimeout,
		SettleDelay:      defaultBLESettleDelay,
		WarmupWindow:     defaultBLEWarmupWindow,
		WarmupRetryDelay: defaultBLEWarmupRetryDelay,
		MTUWait:          defaultBLEMTUWait,
		NoDataWatchdog:   defaultBLENoDataWatchdog,
		WriteAckTimeout:  defaultBLEWriteAckTimeout,
	}
}

type BLEOptions struct {
	NameFilters []string
	Timings     BLETimings
	Now         func() time.Time
}

// BLETransport drives a single GATT connection to the instrument over the Nordic UART
// Service. All platform callbacks are funneled through per-session callback objects, so
// a callback from a torn-down session never touches the current one.
type BLETransport struct {
	adapter BLEAdapter
	bus     bus.MessageBus
	state   *link.StateHolder
	filters []string
	timings BLETimings
	now     func() time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	scanSeq    uint64
	scanCancel context.CancelFunc
	results    []link.DiscoveredDevice
	sess       *bleSession
	attempts   int
	writeToken uint64
}

type bleSession struct {
	id      string
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	conn   GattConn
	framer *LineFramer
	rx     GattCharacteristic
	tx     GattCharacteristic
	mode   NotifyMode

	mtuPending  bool
	cccdPending bool
	connected   bool
	swapped     bool
	rxBytes     int

	// warmupRetry marks a session opened after an absorbed status-133 glitch;
	// watchdogReconnect marks one opened by the no-data watchdog.
	warmupRetry       bool
	watchdogReconnect bool

	pending *pendingWrite
	// abandoned holds tokens of writes given up on before their acknowledgement came
	// in. Acknowledgements arrive in write order, so the oldest one owed is the next.
	abandoned []uint64
}

// pendingWrite is a single-resolution acknowledgement wait.
type pendingWrite struct {
	token uint64
	done  chan error
}

func (w *pendingWrite) resolve(err error) {
	select {
	case w.done <- err:
	default:
	}
}

func NewBLETransport(adapter BLEAdapter, b bus.MessageBus, opts BLEOptions) *BLETransport {
	filters := opts.NameFilters
	if len(filters) == 0 {
		filters = DefaultBLENameFilters
	}
	timings := opts.Timings
	if timings == (BLETimings{}) {
		timings = DefaultBLETimings()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &BLETransport{
		adapter: adapter,
		bus:     b,
		state:   link.NewStateHolder(b, link.ProtocolBLE, link.TopicBLEState),
		filters: append([]string(nil), filters...),
		timings: timings,
		now:     now,
		logger:  transportLogger("ble"),
	}
}

func (t *BLETransport) Name() string {
	return "ble"
}

func (t *BLETransport) State() link.ConnectionState {
	return t.state.Get()
}

func (t *BLETransport) ScanResults() []link.DiscoveredDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]link.DiscoveredDevice(nil), t.results...)
}

// StartScan clears previous results and scans for at most the configured scan timeout.
func (t *BLETransport) StartScan() error {
	t.mu.Lock()
	if t.sess != nil {
		t.mu.Unlock()
		return errors.New("cannot scan while a connection is active")
	}
	if t.scanCancel != nil {
		t.scanCancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timings.ScanTimeout)
	t.scanSeq++
	seq := t.scanSeq
	t.scanCancel = cancel
	t.results = nil
	t.publishScanLocked()
	t.state.Set(link.Scanning())
	t.mu.Unlock()

	t.logger.Info("scan started", "timeout", t.timings.ScanTimeout)
	go t.runScan(ctx, cancel, seq)

	return nil
}

func (t *BLETransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopScanLocked()
}

func (t *BLETransport) stopScanLocked() {
	if t.scanCancel == nil {
		return
	}
	t.scanCancel()
	t.scanCancel = nil
	if t.sess == nil && t.state.Get().Kind == link.StateScanning {
		t.state.Set(link.Disconnected())
	}
	t.logger.Info("scan stopped")
}

func (t *BLETransport) runScan(ctx context.Context, cancel context.CancelFunc, seq uint64) {
	defer cancel()

	err := t.adapter.Scan(ctx, func(dev link.DiscoveredDevice) {
		t.addScanResult(seq, dev)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanSeq != seq || t.scanCancel == nil {
		return
	}
	t.scanCancel = nil
	if t.sess != nil {
		return
	}
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("scan failed", "error", err)
		t.state.Set(link.Failed(fmt.Sprintf("Scan failed: %v", err)))
		return
	}
	if t.state.Get().Kind == link.StateScanning {
		t.state.Set(link.Disconnected())
	}
	t.logger.Info("scan finished", "found", len(t.results))
}

func (t *BLETransport) addScanResult(seq uint64, dev link.DiscoveredDevice) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.Address = strings.TrimSpace(dev.Address)
	if dev.Address == "" || !bluetoothutil.MatchesName(dev.Name, t.filters) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if seq != t.scanSeq || t.scanCancel == nil {
		return
	}
	for _, known := range t.results {
		if strings.EqualFold(known.Address, dev.Address) {
			return
		}
	}
	t.results = append(t.results, dev)
	t.logger.Debug("instrument found", "name", dev.Name, "address", dev.Address)
	t.publishScanLocked()
}

func (t *BLETransport) publishScanLocked() {
	if t.bus == nil {
		return
	}
	t.bus.Publish(link.TopicBLEScan, link.ScanEvent{Devices: append([]link.DiscoveredDevice(nil), t.results...)})
}

// Connect supersedes any scan or connection in progress. The outcome is observable
// through State.
func (t *BLETransport) Connect(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("bluetooth address is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
		t.logger.Info("scan stopped for connect")
	}
	t.teardownLocked()
	t.attempts = 0
	t.state.Set(link.Connecting())

	s := t.newSessionLocked(address)
	t.dialLocked(s)

	return nil
}

// Disconnect is idempotent and always ends in Disconnected.
func (t *BLETransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopScanLocked()
	t.teardownLocked()
	t.attempts = 0
	t.state.Set(link.Disconnected())
}

func (t *BLETransport) Close() error {
	t.Disconnect()
	return nil
}

// Send writes command plus CR to the RX characteristic and waits for the write
// acknowledgement. Callers must serialize sends.
func (t *BLETransport) Send(ctx context.Context, command string) error {
	t.mu.Lock()
	s := t.sess
	if s == nil || !s.connected || s.rx == nil {
		t.mu.Unlock()
		return link.ErrNotConnected
	}
	if s.pending != nil {
		t.mu.Unlock()
		return link.ErrWriteInFlight
	}
	t.writeToken++
	pw := &pendingWrite{token: t.writeToken, done: make(chan error, 1)}
	s.pending = pw
	if !s.conn.Write(s.rx, []byte(command+"\r")) {
		s.pending = nil
		t.mu.Unlock()
		return fmt.Errorf("%w: write could not be started", link.ErrIO)
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.timings.WriteAckTimeout)
	defer timer.Stop()

	select {
	case err := <-pw.done:
		if err != nil && errors.Is(err, link.ErrIO) {
			t.failIfCurrent(s, "Write failed.", err)
		}
		return err
	case <-timer.C:
		t.abandonPending(s, pw)
		return fmt.Errorf("%w: no write acknowledgement within %s", link.ErrTimeout, t.timings.WriteAckTimeout)
	case <-ctx.Done():
		t.abandonPending(s, pw)
		return ctx.Err()
	}
}

// abandonPending drops pw and records that its acknowledgement is still owed, so a
// late one is not taken for the next write's.
func (t *BLETransport) abandonPending(s *bleSession, pw *pendingWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.pending == pw {
		s.pending = nil
		s.abandoned = append(s.abandoned, pw.token)
	}
}

func (t *BLETransport) failIfCurrent(s *bleSession, message string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == s {
		t.failLocked(s, message, err)
	}
}

func (t *BLETransport) newSessionLocked(address string) *bleSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	s := &bleSession{
		id:      id,
		address: address,
		ctx:     ctx,
		cancel:  cancel,
		logger:  t.logger.With("address", address, "session", id),
		framer:  NewBLEFramer(),
	}
	t.sess = s

	return s
}

func (t *BLETransport) dialLocked(s *bleSession) {
	t.attempts++
	s.logger.Info("connecting", "attempt", t.attempts)
	conn, err := t.adapter.Connect(s.address, &bleCallbacks{t: t, s: s})
	if err != nil {
		t.failLocked(s, fmt.Sprintf("Connect failed: %v", err), err)
		return
	}
	s.conn = conn
}

// teardownLocked cancels every timer and wait of the current session and releases the
// GATT link. It does not change the published state.
func (t *BLETransport) teardownLocked() {
	s := t.sess
	if s == nil {
		return
	}
	t.sess = nil
	s.cancel()
	if s.pending != nil {
		s.pending.resolve(link.ErrNotConnected)
		s.pending = nil
	}
	s.rx = nil
	s.tx = nil
	s.framer.Reset()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("close gatt failed", "error", err)
		}
		s.conn = nil
	}
	s.logger.Debug("session torn down")
}

func (t *BLETransport) failLocked(s *bleSession, message string, err error) {
	if err != nil {
		s.logger.Warn("connection failed", "reason", message, "error", err)
	} else {
		s.logger.Warn("connection failed", "reason", message)
	}
	t.teardownLocked()
	t.state.Set(link.Failed(message))
}

// schedule runs fn under the transport lock after d, unless the session ended first.
func (t *BLETransport) schedule(s *bleSession, d time.Duration, fn func()) {
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.sess != s || s.ctx.Err() != nil {
			return
		}
		fn()
	}()
}

func (t *BLETransport) sinceRadioEnabled() (time.Duration, bool) {
	enabledAt := t.adapter.EnabledAt()
	if enabledAt.IsZero() {
		return 0, false
	}
	elapsed := t.now().Sub(enabledAt)
	if elapsed < 0 {
		return 0, false
	}

	return elapsed, true
}

func (t *BLETransport) withinWarmupWindow() bool {
	elapsed, ok := t.sinceRadioEnabled()
	return ok && elapsed <= t.timings.WarmupWindow
}

func (t *BLETransport) isWarmupGlitchLocked(s *bleSession) bool {
	return !s.connected && t.attempts <= maxWarmupGlitchAttempts && t.withinWarmupWindow()
}

func (t *BLETransport) handleConnectionStateLocked(s *bleSession, status int, connected bool) {
	switch {
	case status == bluetoothutil.GattStatusSuccess && connected:
		s.logger.Debug("gatt connected, settling before discovery", "delay", t.timings.SettleDelay)
		t.schedule(s, t.timings.SettleDelay, func() {
			if !s.conn.DiscoverServices() {
				t.failLocked(s, "Service discovery could not be started.", nil)
			}
		})
	case status == bluetoothutil.GattStatusSuccess:
		wasConnected := s.connected
		t.teardownLocked()
		if wasConnected {
			s.logger.Info("device disconnected")
			t.state.Set(link.Disconnected())
			return
		}
		t.state.Set(link.Failed("Device disconnected during setup."))
	case status == bluetoothutil.GattStatusError && t.isWarmupGlitchLocked(s):
		s.logger.Info("transient gatt error during radio warm-up, reconnecting once",
			"status", status, "error", link.ErrTransientLinkGlitch)
		address := s.address
		t.teardownLocked()
		retry := t.newSessionLocked(address)
		retry.warmupRetry = true
		t.schedule(retry, t.timings.WarmupRetryDelay, func() {
			t.dialLocked(retry)
		})
	default:
		t.failLocked(s, fmt.Sprintf("GATT error (status %d).", status), nil)
	}
}

func (t *BLETransport) handleServicesDiscoveredLocked(s *bleSession, status int) {
	if status != bluetoothutil.GattStatusSuccess {
		t.failLocked(s, fmt.Sprintf("Service discovery failed (status %d).", status), nil)
		return
	}

	svc := findGattService(s.conn.Services(), bluetoothutil.NUSServiceUUID)
	if svc == nil {
		t.failLocked(s, "Instrument service not found.", link.ErrResourceNotFound)
		return
	}
	rx := findGattCharacteristic(svc, bluetoothutil.NUSRXUUID, propAnyWrite)
	if rx == nil {
		t.failLocked(s, "RX characteristic not found.", link.ErrResourceNotFound)
		return
	}
	tx := findGattCharacteristic(svc, bluetoothutil.NUSTXUUID, propAnyNotifyable)
	if tx == nil {
		t.failLocked(s, "TX characteristic not found.", link.ErrResourceNotFound)
		return
	}
	s.rx = rx
	s.tx = tx
	s.logger.Debug("characteristics resolved", "rx", rx.UUID(), "tx", tx.UUID())

	if !s.conn.RequestMTU(requestedBLEMTU) {
		s.logger.Debug("mtu request not accepted, continuing with default")
		t.enableNotificationsLocked(s, preferredNotifyMode(tx))
		return
	}
	s.mtuPending = true
	t.schedule(s, t.timings.MTUWait, func() {
		if !s.mtuPending {
			return
		}
		s.mtuPending = false
		s.logger.Debug("mtu confirmation not received, continuing", "waited", t.timings.MTUWait)
		t.enableNotificationsLocked(s, preferredNotifyMode(s.tx))
	})
}

func (t *BLETransport) handleMTUChangedLocked(s *bleSession, mtu, status int) {
	if !s.mtuPending {
		return
	}
	s.mtuPending = false
	s.logger.Debug("mtu changed", "mtu", mtu, "status", status)
	t.enableNotificationsLocked(s, preferredNotifyMode(s.tx))
}

func (t *BLETransport) enableNotificationsLocked(s *bleSession, mode NotifyMode) {
	s.mode = mode
	s.rxBytes = 0
	s.cccdPending = true
	if !s.conn.WriteDescriptor(s.tx, mode) {
		t.failLocked(s, "Failed to write notification descriptor.", nil)
		return
	}
	s.logger.Debug("notification descriptor written", "mode", mode)
	if s.swapped {
		return
	}
	t.schedule(s, t.timings.NoDataWatchdog, func() {
		t.checkNoDataLocked(s)
	})
}

func (t *BLETransport) handleDescriptorWriteLocked(s *bleSession, status int) {
	if !s.cccdPending {
		return
	}
	s.cccdPending = false
	if status != bluetoothutil.GattStatusSuccess {
		t.failLocked(s, fmt.Sprintf("Failed to enable notifications (status %d).", status), nil)
		return
	}
	if s.connected {
		return
	}
	s.connected = true
	s.framer.Reset()
	s.logger.Info("connected", "mode", s.mode)
	t.state.Set(link.Connected())
}

// checkNoDataLocked handles a silent link after the descriptor write. Right after a radio
// power-cycle a dead link and a wrong notification mode look the same, so a reconnect is
// preferred there; otherwise the other notification mode is tried once.
func (t *BLETransport) checkNoDataLocked(s *bleSession) {
	if s.rxBytes > 0 {
		return
	}
	if (s.warmupRetry || t.withinWarmupWindow()) && !s.watchdogReconnect {
		s.logger.Info("no data after enabling notifications during warm-up, reconnecting")
		address := s.address
		warmup := s.warmupRetry
		t.teardownLocked()
		t.state.Set(link.Connecting())
		next := t.newSessionLocked(address)
		next.warmupRetry = warmup
		next.watchdogReconnect = true
		t.dialLocked(next)
		return
	}
	if s.swapped {
		return
	}
	s.swapped = true
	next := s.mode.other()
	s.logger.Info("no data after enabling notifications, swapping mode", "from", s.mode, "to", next)
	t.enableNotificationsLocked(s, next)
}

func (t *BLETransport) handleNotificationLocked(s *bleSession, value []byte) {
	s.rxBytes += len(value)
	lines := s.framer.Push(value)
	if len(lines) == 0 || t.bus == nil {
		return
	}
	now := time.Now()
	for _, line := range lines {
		t.bus.PublishReliable(link.TopicBLELines, link.LineEvent{Source: link.ProtocolBLE, Text: line, At: now})
	}
}

func (t *BLETransport) handleWriteLocked(s *bleSession, status int) {
	if len(s.abandoned) > 0 {
		token := s.abandoned[0]
		s.abandoned = s.abandoned[1:]
		s.logger.Debug("discarding late write acknowledgement", "token", token, "status", status)
		return
	}
	pw := s.pending
	if pw == nil {
		s.logger.Debug("write acknowledgement without pending write", "status", status)
		return
	}
	s.pending = nil
	if status != bluetoothutil.GattStatusSuccess {
		pw.resolve(fmt.Errorf("%w: write completed with status %d", link.ErrIO, status))
		return
	}
	pw.resolve(nil)
}

func preferredNotifyMode(char GattCharacteristic) NotifyMode {
	if char == nil {
		return NotifyModeNotify
	}
	props := char.Properties()
	if !props.Has(PropNotify) && props.Has(PropIndicate) {
		return NotifyModeIndicate
	}

	return NotifyModeNotify
}

func findGattService(services []GattService, uuid string) GattService {
	for _, svc := range services {
		if bluetoothutil.SameUUID(svc.UUID(), uuid) {
			return svc
		}
	}

	return nil
}

// findGattCharacteristic prefers the expected UUID and falls back to the first
// characteristic exposing any of the wanted property bits.
func findGattCharacteristic(svc GattService, uuid string, wanted CharProperties) GattCharacteristic {
	chars := svc.Characteristics()
	for _, c := range chars {
		if bluetoothutil.SameUUID(c.UUID(), uuid) {
			return c
		}
	}
	for _, c := range chars {
		if c.Properties().Has(wanted) {
			return c
		}
	}

	return nil
}

// bleCallbacks binds platform callbacks to the session that created the GATT link.
type bleCallbacks struct {
	t *BLETransport
	s *bleSession
}

func (c *bleCallbacks) locked(fn func()) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.sess != c.s || c.s.ctx.Err() != nil {
		return
	}
	fn()
}

func (c *bleCallbacks) OnConnectionStateChange(status int, connected bool) {
	c.locked(func() { c.t.handleConnectionStateLocked(c.s, status, connected) })
}

func (c *bleCallbacks) OnServicesDiscovered(status int) {
	c.locked(func() { c.t.handleServicesDiscoveredLocked(c.s, status) })
}

func (c *bleCallbacks) OnMTUChanged(mtu int, status int) {
	c.locked(func() { c.t.handleMTUChangedLocked(c.s, mtu, status) })
}

func (c *bleCallbacks) OnDescriptorWrite(status int) {
	c.locked(func() { c.t.handleDescriptorWriteLocked(c.s, status) })
}

func (c *bleCallbacks) OnCharacteristicWrite(status int) {
	c.locked(func() { c.t.handleWriteLocked(c.s, status) })
}

func (c *bleCallbacks) OnCharacteristicChanged(value []byte) {
	c.locked(func() { c.t.handleNotificationLocked(c.s, value) })
}
