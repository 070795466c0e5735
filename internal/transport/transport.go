package transport

import "io"

// The protocol engine only needs a byte sink it can close; anything that is
// an io.WriteCloser works: a serial port, a TCP connection, an AsyncTx
// funnel, or an in-memory pipe in tests.
var _ io.WriteCloser = (*AsyncTx)(nil)

// NopCloser wraps an io.Writer with a no-op Close, for transports whose
// lifetime is managed elsewhere.
func NopCloser(w io.Writer) io.WriteCloser { return nopCloser{w} }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
