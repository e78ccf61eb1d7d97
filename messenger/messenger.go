// Package messenger implements a keyed multicast broadcaster that holds
// subscribers weakly.
//
// A registration never keeps a [Subscriber] alive: the registry stores a
// [weak.Pointer] and the subscription lasts only as long as some other code
// holds the *Subscriber. Once the owner drops it and the garbage collector
// reclaims it, the registration becomes inert and is pruned the next time the
// key's list is touched.
//
// Handlers are invoked synchronously on the goroutine calling [Messenger.Send],
// in registration order, without the registry lock held.
package messenger

import (
	"fmt"
	"sync"
	"weak"

	"github.com/agentuity/go-query/logger"
)

// Handler receives a broadcast value for a key.
type Handler func(key string, value any)

// Subscriber is the identity of a subscription. Keep a reference to it for as
// long as the subscription should stay active.
type Subscriber struct {
	fn Handler
}

// NewSubscriber wraps fn in a Subscriber.
func NewSubscriber(fn Handler) *Subscriber {
	return &Subscriber{fn: fn}
}

type registration = weak.Pointer[Subscriber]

// Messenger is safe for concurrent use.
type Messenger struct {
	mu     sync.RWMutex
	subs   map[string][]registration
	logger logger.Logger
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger sets the logger used to report handler panics.
func WithLogger(l logger.Logger) Option {
	return func(m *Messenger) { m.logger = l }
}

// New returns an empty Messenger.
func New(opts ...Option) *Messenger {
	m := &Messenger{subs: make(map[string][]registration)}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.NewConsoleLogger()
	}
	m.logger = m.logger.With(map[string]interface{}{"component": "messenger"})
	return m
}

// live returns the registrations whose target is still reachable, reusing the
// backing array of list. Caller holds the write lock.
func live(list []registration) []registration {
	out := list[:0]
	for _, r := range list {
		if r.Value() != nil {
			out = append(out, r)
		}
	}
	clear(list[len(out):])
	return out
}

func (m *Messenger) store(key string, list []registration) {
	if len(list) == 0 {
		delete(m.subs, key)
		return
	}
	m.subs[key] = list
}

// Subscribe registers sub under key. Registering the same subscriber twice
// results in two deliveries per Send.
func (m *Messenger) Subscribe(key string, sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := live(m.subs[key])
	m.subs[key] = append(list, weak.Make(sub))
	m.logger.Trace("subscribed to %s (%d registrations)", key, len(m.subs[key]))
}

// Unsubscribe removes every registration of sub under key.
func (m *Messenger) Unsubscribe(key string, sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.subs[key]
	if !ok {
		return
	}
	out := list[:0]
	for _, r := range list {
		if target := r.Value(); target != nil && target != sub {
			out = append(out, r)
		}
	}
	clear(list[len(out):])
	m.store(key, out)
	m.logger.Trace("unsubscribed from %s (%d registrations left)", key, len(out))
}

// Send delivers value to every live subscriber of key and returns the number
// of handlers invoked. A panicking handler is recovered and does not prevent
// delivery to the remaining subscribers.
func (m *Messenger) Send(key string, value any) int {
	m.mu.RLock()
	list := m.subs[key]
	targets := make([]*Subscriber, 0, len(list))
	for _, r := range list {
		if s := r.Value(); s != nil {
			targets = append(targets, s)
		}
	}
	stale := len(targets) != len(list)
	m.mu.RUnlock()

	for _, s := range targets {
		m.invoke(s, key, value)
	}

	if stale {
		m.prune(key)
	}
	return len(targets)
}

func (m *Messenger) invoke(s *Subscriber, key string, value any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber for %s panicked: %s", key, fmt.Sprint(r))
		}
	}()
	if s.fn != nil {
		s.fn(key, value)
	}
}

func (m *Messenger) prune(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if list, ok := m.subs[key]; ok {
		m.store(key, live(list))
	}
}

// HasSubscribers reports whether key has at least one live registration.
func (m *Messenger) HasSubscribers(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.subs[key] {
		if r.Value() != nil {
			return true
		}
	}
	return false
}

// Keys returns the keys that currently have live registrations.
func (m *Messenger) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.subs))
	for key, list := range m.subs {
		for _, r := range list {
			if r.Value() != nil {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}
