//go:build !windows

package executor

// DefaultPolicyWriter returns a file-backed writer rooted at dir.
func DefaultPolicyWriter(dir string) PolicyWriter {
	return NewFilePolicyWriter(dir)
}
