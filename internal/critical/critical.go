// Package critical provides the uninterruptible-section primitive used by the
// page allocator and by slab caches before blocking locks are available, and
// the provider of blocking mutexes used after the second boot stage.
package critical

import (
	"sync"
	"sync/atomic"
)

// Masker disables and restores interrupt delivery on a real target.
// Disable returns the previous mask state, which Restore puts back.
type Masker interface {
	Disable() uint64
	Restore(state uint64)
}

// Section is an uninterruptible section. On a target it masks interrupts
// through its Masker; in a hosted process the embedded mutex gives the same
// mutual exclusion between goroutines.
//
// Sections are not reentrant. Code running inside a section must never call
// back into something that enters the same section, blocks, or allocates.
//
// Usage:
//
//	s.Enter()
//	defer s.Exit()
type Section struct {
	mu      sync.Mutex
	masker  Masker
	state   uint64
	entries atomic.Uint64
}

// New returns a section that masks interrupts with m. A nil Masker is valid
// and gives a purely mutex-backed section.
func New(m Masker) *Section {
	return &Section{masker: m}
}

// Enter begins the section.
func (s *Section) Enter() {
	s.mu.Lock()
	if s.masker != nil {
		s.state = s.masker.Disable()
	}
	s.entries.Add(1)
}

// Exit ends the section, restoring the interrupt mask saved by Enter.
func (s *Section) Exit() {
	if s.masker != nil {
		s.masker.Restore(s.state)
	}
	s.mu.Unlock()
}

// Entries returns how many times the section has been entered.
func (s *Section) Entries() uint64 {
	return s.entries.Load()
}

// Locker adapts the section to sync.Locker so it can stand in for a mutex
// during early boot.
func (s *Section) Locker() sync.Locker {
	return sectionLocker{s}
}

type sectionLocker struct{ s *Section }

func (l sectionLocker) Lock()   { l.s.Enter() }
func (l sectionLocker) Unlock() { l.s.Exit() }
