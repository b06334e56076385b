package runtimedocker

import (
	"bytes"
	"errors"
)

const maxExecOutputSize = 16 * 1024 * 1024

var errOutputTooLarge = errors.New("exec output too large")

// limitedBuffer collects exec output and fails once it exceeds maxExecOutputSize.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > maxExecOutputSize {
		return 0, errOutputTooLarge
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
