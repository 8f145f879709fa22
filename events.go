package parentsync

import "sync"

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles sync engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// subscribers is a typed listener list. Handlers run synchronously on the
// notifying goroutine, outside any lock held by the notifier. No ordering is
// promised between handlers.
type subscribers[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

func (s *subscribers[T]) add(h func(T)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

func (s *subscribers[T]) notify(v T) {
	s.mu.RLock()
	hs := append([]func(T){}, s.handlers...)
	s.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() { recover() }()
			h(v)
		}()
	}
}
