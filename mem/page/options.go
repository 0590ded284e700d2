package page

import "github.com/joshuapare/memkit/internal/critical"

// Option customizes an Allocator.
type Option func(*Allocator)

// WithSection runs the allocator's operations inside s instead of a private
// section. Use it to share one interrupt mask with other early-boot code.
func WithSection(s *critical.Section) Option {
	return func(a *Allocator) {
		if s != nil {
			a.cs = s
		}
	}
}
