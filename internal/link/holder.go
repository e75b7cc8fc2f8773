package link

import (
	"sync"
	"time"

	"github.com/skobkin/surveylink/internal/bus"
)

// StateHolder keeps the current ConnectionState of one source and publishes every change
// as a StateEvent on the given topic.
type StateHolder struct {
	mu      sync.RWMutex
	current ConnectionState
	source  Protocol
	topic   string
	bus     bus.MessageBus
}

func NewStateHolder(b bus.MessageBus, source Protocol, topic string) *StateHolder {
	return &StateHolder{
		current: Disconnected(),
		source:  source,
		topic:   topic,
		bus:     b,
	}
}

func (h *StateHolder) Get() ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Set stores next and reports whether the value changed. The publish happens under the
// lock so subscribers observe changes in the order they were made, and it is reliable:
// a burst of other traffic never hides a state change.
func (h *StateHolder) Set(next ConnectionState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == next {
		return false
	}
	h.current = next
	if h.bus != nil {
		h.bus.PublishReliable(h.topic, StateEvent{Source: h.source, State: next, At: time.Now()})
	}

	return true
}
