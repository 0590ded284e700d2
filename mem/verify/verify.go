package verify

import "fmt"

// ValidationError describes the first invariant violation found.
type ValidationError struct {
	Type    string
	Message string
	Addr    int64
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Addr >= 0 {
		return fmt.Sprintf("%s at 0x%X: %s", e.Type, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
