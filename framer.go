package shpreactor

import (
	"github.com/valyala/bytebufferpool"
	"shpreactor/errors"
)

const (
	cr    = '\r'
	lf    = '\n'
	ctrlC = 0x03
)

var crlf = []byte{cr, lf}

type frameStatus int

const (
	// frameIncomplete means more bytes are needed before the request ends.
	frameIncomplete frameStatus = iota
	// frameComplete means a CRLF terminated the request.
	frameComplete
	// frameAbort means the peer sent Ctrl-C or outgrew the size limit.
	frameAbort
)

// framer accumulates one CRLF terminated request across reads.
type framer struct {
	request   *bytebufferpool.ByteBuffer
	pendingCR bool // last byte seen was a CR that may start the terminator
	maxSize   int
}

func newFramer(maxSize int) *framer {
	return &framer{request: bytebufferpool.Get(), maxSize: maxSize}
}

// feed consumes p. Bytes after a terminator or an abort byte are dropped.
func (f *framer) feed(p []byte) (frameStatus, error) {
	for _, ch := range p {
		switch {
		case ch == ctrlC:
			return frameAbort, errors.ErrConnectionClosed
		case ch == lf && f.pendingCR:
			f.pendingCR = false
			return frameComplete, nil
		case ch == cr:
			if f.pendingCR {
				_ = f.request.WriteByte(cr)
			}
			f.pendingCR = true
		default:
			if f.pendingCR {
				_ = f.request.WriteByte(cr)
				f.pendingCR = false
			}
			_ = f.request.WriteByte(ch)
		}
		if f.maxSize > 0 && f.request.Len() > f.maxSize {
			return frameAbort, errors.ErrRequestTooLarge
		}
	}
	return frameIncomplete, nil
}

// bytes returns the accumulated request without its terminator, valid until reset.
func (f *framer) bytes() []byte {
	return f.request.B
}

func (f *framer) reset() {
	f.request.Reset()
	f.pendingCR = false
}

func (f *framer) release() {
	if f.request != nil {
		bytebufferpool.Put(f.request)
		f.request = nil
	}
}
