package realtime

import (
	"strings"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
)

// ErrAlreadyConnected is returned by Register when the identity already has
// a live connection on that endpoint kind.
var ErrAlreadyConnected = apperrors.ErrAlreadyConnected

// Handle is the transport side of a connection. Send must not block: it
// enqueues the message or fails. Close must be safe to call more than once
// and from any goroutine.
type Handle interface {
	Send(msg []byte) error
	Close(code int, reason string)
}

// Connection is a registered subscriber.
type Connection struct {
	Kind     EndpointKind
	Identity string
	Key      string
	Handle   Handle
}

// Match reports whether a subscription key should receive an event.
type Match func(key string) bool

// MatchCourse matches QuestionFeed keys against a course code, ignoring case.
func MatchCourse(courseCode string) Match {
	return func(key string) bool {
		return strings.EqualFold(key, courseCode)
	}
}

// MatchQuestion matches AnswerFeed keys against a question id exactly.
func MatchQuestion(questionID string) Match {
	return func(key string) bool {
		return key == questionID
	}
}

// Registry holds the live connections of this process, at most one per
// (kind, identity). It is not shared between instances.
type Registry struct {
	mu      sync.RWMutex
	conns   map[EndpointKind]map[string]*Connection
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		conns: map[EndpointKind]map[string]*Connection{
			QuestionFeed: make(map[string]*Connection),
			AnswerFeed:   make(map[string]*Connection),
		},
		metrics: m,
	}
}

// Register stores a new connection. The existing connection is left alone
// when the identity is taken.
func (r *Registry) Register(kind EndpointKind, identity, key string, h Handle) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.bucket(kind)
	if _, exists := byID[identity]; exists {
		return nil, ErrAlreadyConnected
	}
	c := &Connection{Kind: kind, Identity: identity, Key: key, Handle: h}
	byID[identity] = c
	r.metrics.ConnectionsActive.WithLabelValues(kind.String()).Inc()
	return c, nil
}

// Unregister removes the entry for (kind, identity) if there is one.
func (r *Registry) Unregister(kind EndpointKind, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.bucket(kind)
	if _, ok := byID[identity]; ok {
		delete(byID, identity)
		r.metrics.ConnectionsActive.WithLabelValues(kind.String()).Dec()
	}
}

// Remove unregisters c only if it is still the registered connection for
// its identity. A stale connection never evicts a newer one that reused the
// same username. It reports whether c was removed.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.bucket(c.Kind)
	if cur, ok := byID[c.Identity]; ok && cur == c {
		delete(byID, c.Identity)
		r.metrics.ConnectionsActive.WithLabelValues(c.Kind.String()).Dec()
		return true
	}
	return false
}

// Lookup returns a snapshot of the connections of kind whose key satisfies
// match. Callers send outside the registry lock.
func (r *Registry) Lookup(kind EndpointKind, match Match) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.conns[kind] {
		if match(c.Key) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live connections of kind.
func (r *Registry) Count(kind EndpointKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[kind])
}

// CloseAll removes every connection and closes its handle with code and
// reason.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	var all []*Connection
	for kind, byID := range r.conns {
		for _, c := range byID {
			all = append(all, c)
		}
		r.metrics.ConnectionsActive.WithLabelValues(kind.String()).Set(0)
		r.conns[kind] = make(map[string]*Connection)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Handle.Close(code, reason)
	}
	return len(all)
}

func (r *Registry) bucket(kind EndpointKind) map[string]*Connection {
	byID, ok := r.conns[kind]
	if !ok {
		byID = make(map[string]*Connection)
		r.conns[kind] = byID
	}
	return byID
}
