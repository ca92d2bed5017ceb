//go:build linux

package hw

import "golang.org/x/sys/unix"

// allocBytes obtains zeroed, page-backed memory via an anonymous
// mapping so large ring and payload buffers stay off the Go heap.
func allocBytes(size int) ([]byte, error) {
	pg := unix.Getpagesize()
	mapped := (size + pg - 1) &^ (pg - 1)
	b, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return b[:size:mapped], nil
}

func releaseBytes(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b[:cap(b)])
}
