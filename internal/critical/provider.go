package critical

import (
	"errors"
	"sync"
)

// ErrNoMutex indicates that the scheduler could not create another mutex.
var ErrNoMutex = errors.New("critical: mutex unavailable")

// Provider creates and destroys blocking mutexes. It is supplied by the
// task scheduler once boot has progressed far enough to support blocking.
type Provider interface {
	NewMutex() (sync.Locker, error)
	DestroyMutex(l sync.Locker)
}

// StdProvider hands out sync.Mutex values. Limit caps the number of live
// mutexes; zero means unlimited.
type StdProvider struct {
	Limit int

	mu   sync.Mutex
	live int
}

// NewMutex returns a fresh mutex or ErrNoMutex once Limit is reached.
func (p *StdProvider) NewMutex() (sync.Locker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Limit > 0 && p.live >= p.Limit {
		return nil, ErrNoMutex
	}
	p.live++
	return &sync.Mutex{}, nil
}

// DestroyMutex releases a mutex obtained from NewMutex.
func (p *StdProvider) DestroyMutex(sync.Locker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live > 0 {
		p.live--
	}
}

// Live returns the number of mutexes currently handed out.
func (p *StdProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
