package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// BeeepSender delivers notifications through the native desktop notifier.
type BeeepSender struct {
	notify func(title, message string, icon any) error
	logger *slog.Logger
}

func NewBeeepSender(appName string, logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}
	if name := strings.TrimSpace(appName); name != "" {
		beeep.AppName = name
	}

	return &BeeepSender{notify: beeep.Notify, logger: logger}
}

func (s *BeeepSender) Send(payload Payload) {
	if s == nil || s.notify == nil {
		return
	}

	title := strings.TrimSpace(payload.Title)
	content := strings.TrimSpace(payload.Content)
	if title == "" && content == "" {
		return
	}

	if err := s.notify(title, content, ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "error", err)
	}
}
