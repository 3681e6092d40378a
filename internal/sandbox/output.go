package sandbox

import "bytes"

// limitedWriter keeps at most remaining bytes. Excess data is discarded and
// recorded in truncated so the result can be marked instead of silently cut.
type limitedWriter struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func newLimitedWriter(limit int) *limitedWriter {
	return &limitedWriter{remaining: limit}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	written, _ := lw.buf.Write(p)
	lw.remaining -= written
	return n, nil
}

func (lw *limitedWriter) String() string { return lw.buf.String() }
