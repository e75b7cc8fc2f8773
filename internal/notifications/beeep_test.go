package notifications

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

type recordedNotification struct {
	title   string
	message string
}

func newRecordingSender(err error) (*BeeepSender, *[]recordedNotification) {
	var got []recordedNotification
	s := &BeeepSender{
		notify: func(title, message string, _ any) error {
			got = append(got, recordedNotification{title: title, message: message})
			return err
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	return s, &got
}

func TestBeeepSenderTrimsPayload(t *testing.T) {
	s, got := newRecordingSender(nil)

	s.Send(Payload{Title: "  USB - Connected ", Content: "\tSurveyor\n"})

	if len(*got) != 1 {
		t.Fatalf("expected one notification, got %d", len(*got))
	}
	if (*got)[0].title != "USB - Connected" || (*got)[0].message != "Surveyor" {
		t.Fatalf("unexpected notification: %+v", (*got)[0])
	}
}

func TestBeeepSenderSkipsEmptyPayload(t *testing.T) {
	s, got := newRecordingSender(nil)

	s.Send(Payload{Title: " ", Content: ""})

	if len(*got) != 0 {
		t.Fatalf("expected no notification, got %d", len(*got))
	}
}

func TestBeeepSenderSwallowsBackendError(t *testing.T) {
	s, got := newRecordingSender(errors.New("no dbus session"))

	s.Send(Payload{Title: "BLE - Disconnected"})

	if len(*got) != 1 {
		t.Fatalf("expected backend to be called once, got %d", len(*got))
	}
}

func TestNilBeeepSenderIsNoop(t *testing.T) {
	var s *BeeepSender
	s.Send(Payload{Title: "ignored"})
}
