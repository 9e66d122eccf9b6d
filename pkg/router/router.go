// Package router dispatches decoded messages by command name to registered
// handlers.
package router

import (
	"log/slog"
	"sync"
)

// Message is a decoded application-level envelope carried over any peer
// connection transport.
type Message struct {
	Command string         `json:"command"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler processes an inbound message from sender. Its return value (if
// any) is used for request/response patterns by the caller.
type Handler func(sender string, payload map[string]any) (any, error)

// Router maps command names to handlers.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty router. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, handlers: make(map[string]Handler)}
}

// Register binds a handler to a command name, replacing any previous one.
func (r *Router) Register(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// Unregister removes a command's handler, if any.
func (r *Router) Unregister(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, command)
}

// Dispatch looks up msg.Command and invokes its handler. Unknown commands
// are logged at warn and produce a nil result with no error, so commands
// this layer doesn't own pass through unchanged to whatever calls Dispatch
// next.
func (r *Router) Dispatch(sender string, msg Message) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Command]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("router: no handler registered", "command", msg.Command, "sender", sender)
		return nil, nil
	}
	return h(sender, msg.Payload)
}

// HasHandler reports whether a command has a registered handler.
func (r *Router) HasHandler(command string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[command]
	return ok
}
