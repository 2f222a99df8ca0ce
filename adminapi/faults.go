package adminapi

import "sync"

// Faults makes the next batch requests fail with a status code, simulating
// an unreachable or overloaded server.
type Faults struct {
	mu     sync.Mutex
	left   int
	status int
}

// FailNext fails the next n batch requests with status.
func (f *Faults) FailNext(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left, f.status = n, status
}

func (f *Faults) take() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left <= 0 {
		return 0, false
	}
	f.left--
	return f.status, true
}
