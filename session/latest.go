package session

import "sync"

// Request identifies one issued asynchronous request.
type Request struct {
	gen uint64
}

// Latest tracks the result of the most recently issued request of one
// kind. Results of requests that were superseded before they resolved
// are dropped, whatever order they arrive in.
type Latest[T any] struct {
	mu       sync.Mutex
	issued   uint64
	resolved uint64
	value    T
	err      error
}

// Issue starts a new request and supersedes every earlier one.
func (l *Latest[T]) Issue() Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.issued++
	return Request{gen: l.issued}
}

// Resolve records the outcome of r. It reports whether the outcome was
// kept, which only happens when r is the latest issued request.
func (l *Latest[T]) Resolve(r Request, value T, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.gen != l.issued || r.gen == l.resolved {
		return false
	}

	l.resolved = r.gen
	l.value, l.err = value, err
	return true
}

// Get returns the last kept outcome.
func (l *Latest[T]) Get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.value, l.err
}

// Pending reports whether the latest issued request hasn't resolved.
func (l *Latest[T]) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.issued != l.resolved
}
