//go:build js || wasip1

package vfd

// fileLock is a no-op on js/wasm (in-memory only, no file system).
type fileLock struct {
	exclusive bool
}

// lockFile is a no-op on js/wasm; exclusive is only recorded.
func lockFile(_ string, exclusive bool) (*fileLock, error) {
	return &fileLock{exclusive: exclusive}, nil
}

// unlock is a no-op on js/wasm.
func (fl *fileLock) unlock() error {
	return nil
}
