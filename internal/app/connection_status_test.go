package app

import (
	"errors"
	"testing"

	"github.com/skobkin/surveylink/internal/config"
)

type recordingConnector struct {
	calls []string
	err   error
}

func (c *recordingConnector) Connect(address string) error {
	c.calls = append(c.calls, "ble "+address)
	return c.err
}

func (c *recordingConnector) StartUSBConnection(id string) error {
	c.calls = append(c.calls, "usb "+id)
	return c.err
}

func TestConnectionTarget(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ConnectionConfig
		want string
	}{
		{name: "ble", cfg: config.ConnectionConfig{Protocol: "ble", BLEAddress: " AA:BB:CC:DD:EE:FF "}, want: "AA:BB:CC:DD:EE:FF"},
		{name: "usb", cfg: config.ConnectionConfig{Protocol: "usb", USBDevice: "1:7", BLEAddress: "ignored"}, want: "1:7"},
		{name: "none", cfg: config.ConnectionConfig{Protocol: "none", BLEAddress: "ignored"}, want: ""},
		{name: "unknown", cfg: config.ConnectionConfig{Protocol: "tcp"}, want: ""},
	}

	for _, tc := range tests {
		if got := ConnectionTarget(tc.cfg); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestRestoreConnection(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ConnectionConfig
		wantCalls []string
		wantStart bool
		wantErr   bool
	}{
		{name: "ble", cfg: config.ConnectionConfig{Protocol: "ble", BLEAddress: "AA:BB:CC:DD:EE:FF"}, wantCalls: []string{"ble AA:BB:CC:DD:EE:FF"}, wantStart: true},
		{name: "usb", cfg: config.ConnectionConfig{Protocol: "USB", USBDevice: "/dev/ttyACM0"}, wantCalls: []string{"usb /dev/ttyACM0"}, wantStart: true},
		{name: "none", cfg: config.ConnectionConfig{Protocol: "none"}},
		{name: "usb without device", cfg: config.ConnectionConfig{Protocol: "usb"}},
		{name: "unknown protocol", cfg: config.ConnectionConfig{Protocol: "tcp"}, wantErr: true},
	}

	for _, tc := range tests {
		c := &recordingConnector{}
		started, err := RestoreConnection(c, tc.cfg)
		if tc.wantErr != (err != nil) {
			t.Fatalf("%s: unexpected error state: %v", tc.name, err)
		}
		if started != tc.wantStart {
			t.Fatalf("%s: expected started=%v, got %v", tc.name, tc.wantStart, started)
		}
		if len(c.calls) != len(tc.wantCalls) {
			t.Fatalf("%s: expected calls %v, got %v", tc.name, tc.wantCalls, c.calls)
		}
		for i := range c.calls {
			if c.calls[i] != tc.wantCalls[i] {
				t.Fatalf("%s: expected calls %v, got %v", tc.name, tc.wantCalls, c.calls)
			}
		}
	}
}

func TestRestoreConnectionPropagatesConnectError(t *testing.T) {
	c := &recordingConnector{err: errors.New("scan in progress")}

	started, err := RestoreConnection(c, config.ConnectionConfig{Protocol: "ble", BLEAddress: "AA:BB:CC:DD:EE:FF"})
	if !started || err == nil {
		t.Fatalf("expected started with error, got started=%v err=%v", started, err)
	}
}
