package supervisor

import "io"

// PtyHandle abstracts the pseudo-terminal a child runs under. The unix
// backend wraps creack/pty, the windows backend ConPTY, and tests use a
// scripted fake.
type PtyHandle interface {
	io.ReadWriteCloser

	// Resize propagates terminal dimensions to the child.
	Resize(cols, rows uint16) error

	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
}

// startPty launches argv under a fresh PTY sized cols×rows.
// Implemented per-OS.
func startPty(argv []string, cols, rows uint16) (PtyHandle, error) {
	return osStartPty(argv, cols, rows)
}
