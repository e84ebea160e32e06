package pipeline

import (
	"crypto/tls"
	"sync"
)

// Registry holds the processors, handlers and TLS identity shared by every
// connection of one proxy instance.
type Registry struct {
	mu                 sync.RWMutex
	requestProcessors  []Processor
	responseProcessors []Processor
	handlers           []Handler
	identity           *tls.Certificate
	statusPage         bool
}

// NewRegistry returns an empty registry with the status page enabled.
func NewRegistry() *Registry {
	return &Registry{statusPage: true}
}

// Counts reports the number of registered request processors, handlers and
// response processors.
type Counts struct {
	RequestProcessors  int
	Handlers           int
	ResponseProcessors int
}

func (r *Registry) AddRequestProcessor(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestProcessors = append(r.requestProcessors, p)
}

func (r *Registry) AddResponseProcessor(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseProcessors = append(r.responseProcessors, p)
}

func (r *Registry) AddHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// RemoveRequestProcessor removes the first registration of p. Registered
// values are compared with ==, so func-typed processors cannot be removed.
func (r *Registry) RemoveRequestProcessor(p Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ok bool
	r.requestProcessors, ok = remove(r.requestProcessors, p)
	return ok
}

// RemoveResponseProcessor removes the first registration of p.
func (r *Registry) RemoveResponseProcessor(p Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ok bool
	r.responseProcessors, ok = remove(r.responseProcessors, p)
	return ok
}

// RemoveHandler removes the first registration of h.
func (r *Registry) RemoveHandler(h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ok bool
	r.handlers, ok = remove(r.handlers, h)
	return ok
}

func remove[T comparable](list []T, item T) ([]T, bool) {
	for i, v := range list {
		if v == item {
			out := make([]T, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// RequestProcessors returns a snapshot safe to iterate without the lock.
func (r *Registry) RequestProcessors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Processor(nil), r.requestProcessors...)
}

// ResponseProcessors returns a snapshot safe to iterate without the lock.
func (r *Registry) ResponseProcessors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Processor(nil), r.responseProcessors...)
}

// Handlers returns a snapshot safe to iterate without the lock.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers...)
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Counts{
		RequestProcessors:  len(r.requestProcessors),
		Handlers:           len(r.handlers),
		ResponseProcessors: len(r.responseProcessors),
	}
}

// SetIdentity installs the certificate used to terminate intercepted TLS.
func (r *Registry) SetIdentity(cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = cert
}

// Identity returns the TLS identity, or nil when interception is disabled.
func (r *Registry) Identity() *tls.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

func (r *Registry) SetStatusPageEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusPage = enabled
}

func (r *Registry) StatusPageEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusPage
}
