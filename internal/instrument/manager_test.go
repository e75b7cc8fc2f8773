package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/link"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeLink stands in for either transport. State changes and lines are published the way
// the real transports publish them.
type fakeLink struct {
	proto link.Protocol
	bus   bus.MessageBus
	log   *callLog

	mu       sync.Mutex
	state    link.ConnectionState
	sends    []string
	sendErrs []error
	reply    func(cmd string) []string
}

func newFakeLink(proto link.Protocol, b bus.MessageBus, log *callLog) *fakeLink {
	return &fakeLink{proto: proto, bus: b, log: log, state: link.Disconnected()}
}

func (f *fakeLink) setState(s link.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.bus.PublishReliable(link.StateTopic(f.proto), link.StateEvent{Source: f.proto, State: s, At: time.Now()})
}

func (f *fakeLink) emit(lines ...string) {
	for _, line := range lines {
		f.bus.PublishReliable(link.LinesTopic(f.proto), link.LineEvent{Source: f.proto, Text: line, At: time.Now()})
	}
}

func (f *fakeLink) State() link.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) ScanResults() []link.DiscoveredDevice { return nil }
func (f *fakeLink) StartScan() error                    { return nil }
func (f *fakeLink) StopScan()                           {}

func (f *fakeLink) Devices() (map[string]string, error) {
	return map[string]string{"Survey Instrument": "1:7"}, nil
}

func (f *fakeLink) Connect(address string) error {
	f.log.add(string(f.proto) + ".connect " + address)
	f.setState(link.Connecting())
	return nil
}

func (f *fakeLink) StartConnection(id string) error {
	f.log.add(string(f.proto) + ".connect " + id)
	f.setState(link.Connecting())
	return nil
}

func (f *fakeLink) Disconnect() {
	f.log.add(string(f.proto) + ".disconnect")
	f.setState(link.Disconnected())
}

func (f *fakeLink) Send(_ context.Context, cmd string) error {
	f.mu.Lock()
	f.sends = append(f.sends, cmd)
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	reply := f.reply
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if reply != nil {
		f.emit(reply(cmd)...)
	}
	return nil
}

func (f *fakeLink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeLink) setReply(reply func(cmd string) []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
}

func promptReply(string) []string { return []string{">"} }

type harness struct {
	bus *bus.PubSubBus
	ble *fakeLink
	usb *fakeLink
	log *callLog
	m   *Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	b := bus.New(nil)
	log := &callLog{}
	h := &harness{
		bus: b,
		ble: newFakeLink(link.ProtocolBLE, b, log),
		usb: newFakeLink(link.ProtocolUSB, b, log),
		log: log,
	}
	h.m = NewManager(nil, b, h.ble, h.usb, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return h
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) connectBLE(t *testing.T) {
	t.Helper()
	h.ble.setReply(promptReply)
	if err := h.m.Connect("AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.ble.setState(link.Connected())
	waitUntil(t, "manager connected", func() bool { return h.m.State().IsConnected() })
	waitUntil(t, "handshake", func() bool { return len(h.ble.sent()) > 0 })
}

func TestManagerBLEConnectOwnsLink(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)

	if got := h.m.Protocol(); got != link.ProtocolBLE {
		t.Fatalf("expected ble protocol, got %s", got)
	}
	if got := h.ble.sent(); got[0] != "" {
		t.Fatalf("expected empty handshake command, got %q", got)
	}

	h.usb.setState(link.Failed("unrelated"))
	h.ble.setState(link.Failed("Connection lost."))
	waitUntil(t, "ble error mapped", func() bool { return h.m.State().IsError() })
	if got := h.m.State().Message; got != "Connection lost." {
		t.Fatalf("unexpected error message %q", got)
	}
}

func TestManagerSeesStateChangeAfterLineBurst(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)

	burst := make([]string, 300)
	for i := range burst {
		burst[i] = fmt.Sprintf("PT,%d,0.000,0.000", i)
	}
	h.ble.emit(burst...)
	h.ble.setState(link.Failed("Connection lost."))

	waitUntil(t, "error after burst", func() bool { return h.m.State().IsError() })
	if got := h.m.RecentLines(); got[len(got)-1] != burst[len(burst)-1] {
		t.Fatalf("expected the whole burst to be handled, last line %q", got[len(got)-1])
	}
}

func TestManagerPromptAfterLineBurstReachesWaiter(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)

	h.ble.setReply(func(string) []string {
		lines := make([]string, 0, 301)
		for i := 0; i < 300; i++ {
			lines = append(lines, fmt.Sprintf("LOG %d", i))
		}
		return append(lines, ">")
	})
	if err := h.m.SendCommand(context.Background(), "DUMP", 2*time.Second); err != nil {
		t.Fatalf("expected prompt after burst, got %v", err)
	}
}

func TestManagerClaimsLinkOnConnectedWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.usb.setReply(promptReply)

	h.usb.setState(link.Connecting())
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State().Kind; got != link.StateDisconnected {
		t.Fatalf("non-connected update must not map without ownership, got %s", got)
	}

	h.usb.setState(link.Connected())
	waitUntil(t, "usb claimed", func() bool { return h.m.Protocol() == link.ProtocolUSB })
	if !h.m.State().IsConnected() {
		t.Fatalf("expected connected, got %s", h.m.State())
	}
}

func TestManagerIgnoresStaleConnectedEvent(t *testing.T) {
	h := newHarness(t, Options{})

	h.bus.Publish(link.TopicBLEState, link.StateEvent{Source: link.ProtocolBLE, State: link.Connected()})
	time.Sleep(20 * time.Millisecond)
	if got := h.m.Protocol(); got != link.ProtocolNone {
		t.Fatalf("stale connected event claimed the link: %s", got)
	}
	if got := h.m.State().Kind; got != link.StateDisconnected {
		t.Fatalf("unexpected state %s", got)
	}
}

func TestManagerSwitchingDisconnectsOtherTransportFirst(t *testing.T) {
	h := newHarness(t, Options{})

	if err := h.m.StartUSBConnection("1:7"); err != nil {
		t.Fatalf("start usb: %v", err)
	}
	h.usb.setState(link.Connected())
	waitUntil(t, "usb connected", func() bool { return h.m.State().IsConnected() })

	if err := h.m.Connect("AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []string{"ble.disconnect", "usb.connect 1:7", "usb.disconnect", "ble.connect AA:BB:CC:DD:EE:01"}
	got := h.log.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected call order: got %q want %q", got, want)
	}
	if h.m.Protocol() != link.ProtocolBLE {
		t.Fatalf("expected ble protocol, got %s", h.m.Protocol())
	}

	// The USB teardown event arrives after the switch and must not override the BLE state.
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State().Kind; got != link.StateConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)

	h.m.Disconnect()
	h.m.Disconnect()

	if h.m.Protocol() != link.ProtocolNone || h.m.State().Kind != link.StateDisconnected {
		t.Fatalf("unexpected state after disconnect: %s/%s", h.m.Protocol(), h.m.State())
	}
	disconnects := 0
	for _, call := range h.log.snapshot() {
		if strings.HasSuffix(call, ".disconnect") {
			disconnects++
		}
	}
	if disconnects != 4 {
		t.Fatalf("expected both transports disconnected on every call, got %d", disconnects)
	}
}

func TestManagerSendCommandWaitsForPrompt(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)
	h.ble.setReply(func(cmd string) []string { return []string{"ACK " + cmd, "READY>"} })

	if err := h.m.SendCommand(context.Background(), "STATUS", time.Second); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if got := h.ble.sent(); got[len(got)-1] != "STATUS" {
		t.Fatalf("unexpected sends %q", got)
	}
}

func TestManagerSendCommandTimesOut(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)
	h.ble.setReply(func(string) []string { return []string{"BUSY"} })

	started := time.Now()
	err := h.m.SendCommand(context.Background(), "STATUS", 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if elapsed := time.Since(started); elapsed < 200*time.Millisecond {
		t.Fatalf("failed before the timeout: %s", elapsed)
	}
	if !errors.Is(err, link.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T", err)
	}
	if cmdErr.Protocol != link.ProtocolBLE || len(cmdErr.Recent) == 0 || cmdErr.Recent[len(cmdErr.Recent)-1] != "BUSY" {
		t.Fatalf("unexpected error details: %+v", cmdErr)
	}
	if !strings.Contains(err.Error(), "BLE") {
		t.Fatalf("error should name the protocol: %v", err)
	}

	if _, ok := h.m.SendCommandAndAwaitResponse(context.Background(), "VALUE?", "VAL", 200*time.Millisecond); ok {
		t.Fatalf("expected await variant to report failure")
	}
}

func TestManagerSendCommandFailsWithoutTransport(t *testing.T) {
	h := newHarness(t, Options{})

	started := time.Now()
	err := h.m.SendCommand(context.Background(), "STATUS", time.Second)
	if !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if time.Since(started) > 100*time.Millisecond {
		t.Fatalf("expected immediate failure")
	}
}

func TestManagerSendFailurePropagates(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)
	h.ble.mu.Lock()
	h.ble.sendErrs = []error{link.ErrIO}
	h.ble.mu.Unlock()

	if err := h.m.SendCommand(context.Background(), "STATUS", time.Second); !errors.Is(err, link.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestManagerAwaitResponseByPrefix(t *testing.T) {
	h := newHarness(t, Options{})
	h.connectBLE(t)
	h.ble.setReply(func(string) []string { return []string{"ACK", "VAL 12.345", ">"} })

	line, ok := h.m.SendCommandAndAwaitResponse(context.Background(), "VALUE?", "VAL", time.Second)
	if !ok || line != "VAL 12.345" {
		t.Fatalf("unexpected response %q ok=%v", line, ok)
	}
}

func TestManagerDropsLinesFromInactiveTransport(t *testing.T) {
	h := newHarness(t, Options{})
	lines := h.bus.Subscribe(link.TopicLines)
	h.connectBLE(t)
	h.ble.setReply(nil)

	h.usb.emit("FROM USB", ">")
	h.ble.emit("FROM BLE")

	for {
		select {
		case msg := <-lines:
			ev := msg.(link.LineEvent)
			if ev.Source != link.ProtocolBLE {
				t.Fatalf("line from inactive transport forwarded: %+v", ev)
			}
			if ev.Text == "FROM BLE" {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("active transport line was not forwarded")
		}
	}
}

func TestManagerSetupRetriesFirstCommandOnce(t *testing.T) {
	h := newHarness(t, Options{SetupCommands: []string{"ECHO OFF", "UNITS METRIC", "STREAM ON"}})
	h.connectBLE(t)
	h.ble.mu.Lock()
	h.ble.sendErrs = []error{link.ErrIO}
	h.ble.sends = nil
	h.ble.mu.Unlock()

	if err := h.m.SetupSurveyor(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := "ECHO OFF,ECHO OFF,UNITS METRIC,STREAM ON"
	if got := strings.Join(h.ble.sent(), ","); got != want {
		t.Fatalf("unexpected setup sequence %q", got)
	}
}

func TestManagerSetupAbortsOnFailure(t *testing.T) {
	h := newHarness(t, Options{SetupCommands: []string{"ECHO OFF", "UNITS METRIC", "STREAM ON"}})
	h.connectBLE(t)
	h.ble.setReply(func(cmd string) []string {
		if cmd == "UNITS METRIC" {
			return []string{"ERR"}
		}
		return []string{">"}
	})
	h.m.commandTimeout = 50 * time.Millisecond
	h.ble.mu.Lock()
	h.ble.sends = nil
	h.ble.mu.Unlock()

	err := h.m.SetupSurveyor(context.Background())
	if err == nil || !errors.Is(err, link.ErrTimeout) {
		t.Fatalf("expected setup to abort with timeout, got %v", err)
	}
	if got := strings.Join(h.ble.sent(), ","); got != "ECHO OFF,UNITS METRIC" {
		t.Fatalf("sequence must stop at the failing command, got %q", got)
	}
}

func TestManagerSetupFailsWhenRetryFails(t *testing.T) {
	h := newHarness(t, Options{SetupCommands: []string{"ECHO OFF", "STREAM ON"}})
	h.connectBLE(t)
	h.ble.mu.Lock()
	h.ble.sendErrs = []error{link.ErrIO, link.ErrIO}
	h.ble.sends = nil
	h.ble.mu.Unlock()

	if err := h.m.SetupSurveyor(context.Background()); !errors.Is(err, link.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	if got := strings.Join(h.ble.sent(), ","); got != "ECHO OFF,ECHO OFF" {
		t.Fatalf("unexpected sends %q", got)
	}
}

func TestRecentLinesKeepsLastTwenty(t *testing.T) {
	r := newRecentLines(recentLinesCapacity)
	for i := 0; i < 25; i++ {
		r.push(string(rune('a' + i)))
	}
	got := r.snapshot()
	if len(got) != 20 || got[0] != "f" || got[19] != "y" {
		t.Fatalf("unexpected ring contents: %q", got)
	}
}

func TestEventQueueKeepsOrderAndReportsClose(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 500; i++ {
		q.push(i)
	}

	<-q.ready
	items, open := q.drain()
	if !open || len(items) != 500 {
		t.Fatalf("expected 500 queued items on an open queue, got %d (open=%v)", len(items), open)
	}
	for i, item := range items {
		if item != i {
			t.Fatalf("item %d out of order: %v", i, item)
		}
	}

	q.push("last")
	q.close()
	<-q.ready
	items, open = q.drain()
	if open || len(items) != 1 || items[0] != "last" {
		t.Fatalf("expected final item on a closed queue, got %v (open=%v)", items, open)
	}
}
