//go:build windows

package audit

// lockDir is a no-op on Windows; run a single writer per directory.
func lockDir(string) (func() error, error) {
	return func() error { return nil }, nil
}
