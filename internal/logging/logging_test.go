package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/skobkin/surveylink/internal/config"
)

func TestFanoutWriter_ContinuesWhenOneDestinationFails(t *testing.T) {
	var dst bytes.Buffer
	w := newFanoutWriter(errorWriter{err: errors.New("broken stdout")}, &dst)

	n, err := w.Write([]byte("test"))
	if err != nil {
		t.Fatalf("write returned error: %v", err)
	}
	if n != len("test") {
		t.Fatalf("unexpected bytes written: got %d, want %d", n, len("test"))
	}
	if got := dst.String(); got != "test" {
		t.Fatalf("unexpected destination contents: got %q", got)
	}
}

func TestManagerConfigure_LogFileStillReceivesLogsWhenOutputFails(t *testing.T) {
	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	logPath := filepath.Join(t.TempDir(), "app.log")
	m := NewManagerWithOutput(errorWriter{err: errors.New("broken stderr")})
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Configure(config.LoggingConfig{Level: "debug", LogToFile: true}, logPath); err != nil {
		t.Fatalf("configure manager: %v", err)
	}

	slog.Info("file must receive this message")

	if err := m.Close(); err != nil {
		t.Fatalf("close manager: %v", err)
	}

	cleanLogPath := filepath.Clean(logPath)
	// #nosec G304 -- logPath is created from t.TempDir() in this test.
	raw, err := os.ReadFile(cleanLogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(raw, []byte("file must receive this message")) {
		t.Fatalf("log file does not contain test message, contents: %q", string(raw))
	}
}

func TestManagerConfigure_RejectsUnknownLevel(t *testing.T) {
	m := NewManagerWithOutput(&bytes.Buffer{})
	if err := m.Configure(config.LoggingConfig{Level: "chatty"}, ""); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestManagerSetLevel_AppliesToExistingLoggers(t *testing.T) {
	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	var out bytes.Buffer
	m := NewManagerWithOutput(&out)
	if err := m.Configure(config.LoggingConfig{Level: "info"}, ""); err != nil {
		t.Fatalf("configure manager: %v", err)
	}
	logger := m.Logger("usb")

	logger.Debug("hidden frame")
	if out.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", out.String())
	}

	if err := m.SetLevel("debug"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	logger.Debug("visible frame")
	if !bytes.Contains(out.Bytes(), []byte("visible frame")) || !bytes.Contains(out.Bytes(), []byte("component=usb")) {
		t.Fatalf("expected debug record with component, got %q", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range tests {
		got, err := parseLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %v, want %v", raw, got, want)
		}
	}
}

type errorWriter struct {
	err error
}

func (w errorWriter) Write(_ []byte) (int, error) {
	return 0, w.err
}
