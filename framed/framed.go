// Package framed provides the one primitive every length-prefixed wire
// codec in this repository builds on: reading exactly N bytes from a
// stream, or failing cleanly if the peer hangs up first.
package framed

import (
	"errors"
	"fmt"
	"io"
)

// ErrStreamClosed is returned when the peer closes the connection before
// the requested number of bytes has been read.
var ErrStreamClosed = errors.New("framed: stream closed before frame complete")

// ReadExact reads exactly n bytes from r. A zero-length read that leaves
// fewer than n bytes accumulated is reported as ErrStreamClosed rather than
// the underlying io.EOF / io.ErrUnexpectedEOF, since callers care only that
// the peer is gone, not which stdlib sentinel tripped.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrStreamClosed
		}
		return nil, fmt.Errorf("framed: read %d bytes: %w", n, err)
	}
	return buf, nil
}
