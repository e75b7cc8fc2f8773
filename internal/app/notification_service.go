package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/link"
	"github.com/skobkin/surveylink/internal/notifications"
)

// NotificationService listens to unified link state and emits user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	connStatusMu     sync.Mutex
	lastConnState    link.StateKind
	lastConnStateSet bool
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	stateSub := s.bus.Subscribe(link.TopicState)

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.bus.Unsubscribe(stateSub, link.TopicState)
				return
			case raw, ok := <-stateSub:
				if !ok {
					return
				}
				event, ok := raw.(link.StateEvent)
				if !ok {
					continue
				}
				s.handleStateEvent(event)
			}
		}
	}()
}

func (s *NotificationService) handleStateEvent(event link.StateEvent) {
	kind := event.State.Kind
	if kind == "" {
		return
	}

	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == kind {
		s.connStatusMu.Unlock()

		return
	}
	previous, hadPrevious := s.lastConnState, s.lastConnStateSet
	s.lastConnState = kind
	s.lastConnStateSet = true
	s.connStatusMu.Unlock()

	switch kind {
	case link.StateConnected, link.StateError:
	case link.StateDisconnected:
		// Startup and scan-only cycles never had a link worth reporting.
		if !hadPrevious || previous == link.StateScanning {
			return
		}
	default:
		return
	}
	if !s.enabled() {
		return
	}

	transport := event.Source.DisplayName()
	if event.Source == link.ProtocolNone {
		transport = "Instrument"
	}

	details := "Link is ready."
	switch kind {
	case link.StateDisconnected:
		details = "Link closed."
	case link.StateError:
		details = strings.TrimSpace(event.State.Message)
		if details == "" {
			details = "Unknown error."
		}
	}

	s.send(notifications.Payload{
		Title:   fmt.Sprintf("%s - %s", transport, kind),
		Content: details,
	})
}

func (s *NotificationService) enabled() bool {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications.Enabled
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
	})
}
