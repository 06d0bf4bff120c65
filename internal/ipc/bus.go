// Package ipc is the in-process transport between the main process and the
// renderer windows it hosts.
//
// Bus models the main side of the channel: request/reply handlers that a
// renderer invokes and awaits, fire-and-forget listeners, and the list of
// open windows. Adapter binds the operation dispatcher and the change
// broadcaster onto a Bus.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrHandlerExists is returned when a channel already has a handler.
	ErrHandlerExists = errors.New("ipc: handler already registered")

	// ErrNoHandler is returned when invoking a channel nobody handles.
	ErrNoHandler = errors.New("ipc: no handler registered")

	// ErrUnknownWindow is returned when a window that was never added to the
	// bus, or was already removed, talks to a handler.
	ErrUnknownWindow = errors.New("ipc: window not open on the bus")

	// ErrWindowDestroyed is returned when sending to a destroyed window.
	ErrWindowDestroyed = errors.New("ipc: window destroyed")
)

// Window is a renderer endpoint hosted by this process.
type Window interface {
	// ID uniquely identifies the window for its lifetime.
	ID() int

	// Send delivers payload on channel to the renderer.
	Send(channel string, payload []byte) error

	// IsDestroyed reports whether the window has been torn down.
	IsDestroyed() bool
}

// HandlerFunc answers an invoke from sender.
type HandlerFunc func(ctx context.Context, sender Window, payload []byte) ([]byte, error)

// ListenerFunc receives a fire-and-forget message from sender.
type ListenerFunc func(sender Window, payload []byte)

// Bus routes messages between renderer windows and main-process handlers.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	listeners map[string]map[int]ListenerFunc
	openers   map[int]func(Window)
	closers   map[int]func(Window)
	windows   map[int]Window
	nextID    int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[string]HandlerFunc),
		listeners: make(map[string]map[int]ListenerFunc),
		openers:   make(map[int]func(Window)),
		closers:   make(map[int]func(Window)),
		windows:   make(map[int]Window),
	}
}

// Handle registers the single handler for channel.
func (b *Bus) Handle(channel string, fn HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, channel)
	}
	b.handlers[channel] = fn
	return nil
}

// RemoveHandler unregisters the handler for channel, if any.
func (b *Bus) RemoveHandler(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
}

// Invoke calls the handler for channel on behalf of sender and waits for
// its reply.
func (b *Bus) Invoke(ctx context.Context, sender Window, channel string, payload []byte) ([]byte, error) {
	b.mu.RLock()
	fn, ok := b.handlers[channel]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, channel)
	}
	return fn(ctx, sender, payload)
}

// On subscribes fn to channel. The returned func unsubscribes it.
func (b *Bus) On(channel string, fn ListenerFunc) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[int]ListenerFunc)
	}
	b.listeners[channel][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[channel], id)
	}
}

// Emit delivers payload from sender to every listener on channel, in
// subscription order. It returns once all listeners have run.
func (b *Bus) Emit(sender Window, channel string, payload []byte) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners[channel]))
	for id := range b.listeners[channel] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ListenerFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.listeners[channel][id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(sender, payload)
	}
}

// AddWindow makes w visible to Windows and notifies OnWindowOpened
// subscribers. Adding a window that is already open does nothing.
func (b *Bus) AddWindow(w Window) {
	b.mu.Lock()
	if _, ok := b.windows[w.ID()]; ok {
		b.mu.Unlock()
		return
	}
	b.windows[w.ID()] = w
	openers := hooks(b.openers)
	b.mu.Unlock()

	for _, fn := range openers {
		fn(w)
	}
}

// HasWindow reports whether w is currently open on the bus.
func (b *Bus) HasWindow(w Window) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.windows[w.ID()]
	return ok
}

// RemoveWindow drops w and notifies OnWindowClosed subscribers.
func (b *Bus) RemoveWindow(w Window) {
	b.mu.Lock()
	if _, ok := b.windows[w.ID()]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.windows, w.ID())
	closers := hooks(b.closers)
	b.mu.Unlock()

	for _, fn := range closers {
		fn(w)
	}
}

// OnWindowOpened subscribes fn to AddWindow. Windows already open are not
// replayed; use Windows for those. The returned func unsubscribes it.
func (b *Bus) OnWindowOpened(fn func(Window)) (off func()) {
	return b.subscribe(b.openers, fn)
}

// OnWindowClosed subscribes fn to window removal. The returned func
// unsubscribes it.
func (b *Bus) OnWindowClosed(fn func(Window)) (off func()) {
	return b.subscribe(b.closers, fn)
}

func (b *Bus) subscribe(set map[int]func(Window), fn func(Window)) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	set[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(set, id)
	}
}

// hooks returns the subscribers in set in subscription order. The caller
// holds b.mu.
func hooks(set map[int]func(Window)) []func(Window) {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Window), 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// Windows returns every open window ordered by id.
func (b *Bus) Windows() []Window {
	b.mu.RLock()
	out := make([]Window, 0, len(b.windows))
	for _, w := range b.windows {
		out = append(out, w)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
