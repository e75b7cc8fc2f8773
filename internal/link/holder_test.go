package link

import (
	"testing"
	"time"

	"github.com/skobkin/surveylink/internal/bus"
)

func TestStateHolderPublishesOnlyChanges(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	sub := b.Subscribe(TopicBLEState)
	h := NewStateHolder(b, ProtocolBLE, TopicBLEState)

	if got := h.Get(); got != Disconnected() {
		t.Fatalf("expected initial disconnected state, got %s", got)
	}
	if h.Set(Disconnected()) {
		t.Fatalf("setting the same state must not report a change")
	}
	if !h.Set(Connecting()) {
		t.Fatalf("expected change to connecting")
	}
	if !h.Set(Failed("boom")) {
		t.Fatalf("expected change to error")
	}

	want := []ConnectionState{Connecting(), Failed("boom")}
	for _, w := range want {
		select {
		case raw := <-sub:
			ev, ok := raw.(StateEvent)
			if !ok {
				t.Fatalf("unexpected payload type %T", raw)
			}
			if ev.State != w || ev.Source != ProtocolBLE {
				t.Fatalf("unexpected event: %+v, want state %s", ev, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{state: ConnectionState{}, want: "disconnected"},
		{state: Connected(), want: "connected"},
		{state: Failed("Connection lost."), want: "error(Connection lost.)"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("unexpected string: got %q want %q", got, tc.want)
		}
	}
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		raw    string
		want   Protocol
		wantOK bool
	}{
		{raw: "", want: ProtocolNone, wantOK: true},
		{raw: "BLE", want: ProtocolBLE, wantOK: true},
		{raw: " bluetooth ", want: ProtocolBLE, wantOK: true},
		{raw: "usb", want: ProtocolUSB, wantOK: true},
		{raw: "ip", want: ProtocolNone, wantOK: false},
	}

	for _, tc := range tests {
		got, ok := ParseProtocol(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("%q: got (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}
