package proxy

import (
	"errors"
	"io"
	"sync"
)

const (
	// RelayChunkSize is the size of one read in a tunnel relay direction.
	RelayChunkSize = 4096

	// SendBufferSize is the chunk size responses are written to clients in.
	SendBufferSize = 32 * 1024
)

// relayPool holds chunk buffers for tunnel relays. Tunnels are long lived and
// numerous, so their buffers are reused.
var relayPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, RelayChunkSize)
		return &buf
	},
}

// getBuffer retrieves a relay buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return relayPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		relayPool.Put(buf)
	}
}

// copyChunks copies src to dst one fixed-size chunk at a time until src ends
// or either side fails. Unlike io.Copy it never hands the copy to a
// ReaderFrom, so every chunk passes through this loop.
func copyChunks(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, readErr := src.Read(*buf)
		if n > 0 {
			w, writeErr := dst.Write((*buf)[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}
