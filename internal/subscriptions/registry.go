// Package subscriptions tracks live topic subscriptions on the build bus.
package subscriptions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrClosed  = errors.New("subscriptions: registry closed")
	ErrUnbound = errors.New("subscriptions: no active session")
)

// Handle cancels one subscription.
type Handle interface {
	Unsubscribe() error
}

// Subscriber opens subscriptions on the current bus session.
type Subscriber interface {
	Subscribe(topic string, onMessage func(body []byte)) (Handle, error)
}

type SubscriberFunc func(topic string, onMessage func(body []byte)) (Handle, error)

func (f SubscriberFunc) Subscribe(topic string, onMessage func(body []byte)) (Handle, error) {
	return f(topic, onMessage)
}

// entry with a nil handle is a subscribe call still in flight.
type entry struct {
	handle Handle
}

// Registry maps topic keys to live subscription handles. It never holds two
// subscriptions for the same topic.
type Registry struct {
	mu      sync.Mutex
	sub     Subscriber
	entries map[string]*entry
	closed  bool
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Bind attaches the registry to a freshly connected session.
func (r *Registry) Bind(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.sub = sub
	return nil
}

// EnsureSubscribed subscribes to topic unless a subscription already exists or
// is being created. It reports whether a new subscription was made.
func (r *Registry) EnsureSubscribed(topic string, onMessage func(body []byte)) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if r.sub == nil {
		r.mu.Unlock()
		return false, ErrUnbound
	}
	if _, ok := r.entries[topic]; ok {
		r.mu.Unlock()
		return false, nil
	}
	e := &entry{}
	r.entries[topic] = e
	sub := r.sub
	r.mu.Unlock()

	// The lock is not held here so a subscriber that delivers synchronously
	// can re-enter the registry.
	h, err := sub.Subscribe(topic, onMessage)

	r.mu.Lock()
	if current, ok := r.entries[topic]; !ok || current != e {
		// Cleared or unsubscribed while the call was in flight.
		r.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		_ = h.Unsubscribe()
		return false, nil
	}
	if err != nil {
		delete(r.entries, topic)
		r.mu.Unlock()
		return false, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	e.handle = h
	r.mu.Unlock()
	return true, nil
}

// Unsubscribe cancels and forgets the subscription for topic, if any.
func (r *Registry) Unsubscribe(topic string) error {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if ok {
		delete(r.entries, topic)
	}
	r.mu.Unlock()

	if !ok || e.handle == nil {
		return nil
	}
	if err := e.handle.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Clear cancels every subscription. The registry stays bound.
func (r *Registry) Clear() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	return unsubscribeAll(entries)
}

// Unbind clears the registry and detaches it from its session, as after a
// dropped connection.
func (r *Registry) Unbind() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.sub = nil
	r.mu.Unlock()
	return unsubscribeAll(entries)
}

// Close clears the registry for good. Later calls to EnsureSubscribed fail
// with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.sub = nil
	r.mu.Unlock()
	return unsubscribeAll(entries)
}

// Closed reports whether Close has run.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func unsubscribeAll(entries map[string]*entry) error {
	var errs []error
	for topic, e := range entries {
		if e.handle == nil {
			continue
		}
		if err := e.handle.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Has(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[topic]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Topics lists the tracked topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
