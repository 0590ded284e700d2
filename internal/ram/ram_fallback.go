//go:build !unix

package ram

import "os"

// mapAnon allocates the arena on the Go heap when mmap is not available.
func mapAnon(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}

// HostPageSize returns the page size of the host running the simulation.
func HostPageSize() int {
	return os.Getpagesize()
}
