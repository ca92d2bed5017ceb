//go:build !linux

package hw

func allocBytes(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func releaseBytes([]byte) error { return nil }
