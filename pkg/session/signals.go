package session

import (
	"strings"
	"sync"
	"time"
)

// Signal names published to subscribers
const (
	SignalRequestStarted   = "request.started"
	SignalRequestCompleted = "request.completed"
	SignalRequestFailed    = "request.failed"
	SignalLLMDelta         = "llm.delta"
	SignalLLMResponse      = "llm.response"
	SignalLLMUsage         = "llm.usage"
	SignalToolResult       = "tool.result"
)

// Signal is an externally observable notification produced by Apply
type Signal struct {
	Name      string                 `json:"name"`
	SessionID string                 `json:"session_id"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	At        time.Time              `json:"at"`
}

// SignalHub fans signals out to per-session subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the signal.
type SignalHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Signal
	nextID      uint64
}

// NewSignalHub creates an empty hub
func NewSignalHub() *SignalHub {
	return &SignalHub{
		subscribers: make(map[string]map[uint64]chan Signal),
	}
}

// Subscribe registers a subscriber for sessionID. The returned cancel
// function unregisters it and closes the channel.
func (h *SignalHub) Subscribe(sessionID string, buffer int) (<-chan Signal, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Signal)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Signal, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[sessionID]; !exists {
		h.subscribers[sessionID] = make(map[uint64]chan Signal)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[sessionID]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
		close(sub)
	}

	return ch, cancel
}

// Publish delivers sig to the subscribers of sig.SessionID
func (h *SignalHub) Publish(sig Signal) {
	sessionID := strings.TrimSpace(sig.SessionID)
	if sessionID == "" {
		return
	}

	h.mu.RLock()
	subs := h.subscribers[sessionID]
	for _, sub := range subs {
		select {
		case sub <- sig:
		default:
		}
	}
	h.mu.RUnlock()
}

// Subscribers returns the number of subscribers of sessionID
func (h *SignalHub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[strings.TrimSpace(sessionID)])
}

// CloseSession closes and removes every subscriber of sessionID
func (h *SignalHub) CloseSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subscribers[sessionID] {
		close(sub)
	}
	delete(h.subscribers, sessionID)
}
