//go:build !unix

package archive

// Cross-process locking is only implemented on unix. Elsewhere the lock is
// a no-op and a single writer process is assumed.
type fileLock struct{}

func lockFile(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (*fileLock) unlock() error {
	return nil
}
