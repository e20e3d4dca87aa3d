// Package stratum implements the Stratum V1 mining protocol: message codec,
// per-connection sessions, the TCP server and the request handler.
package stratum

import "sync"

const defaultBufferSize = 4096

// readBufferPool reuses the initial line buffers of session scanners so
// connection churn does not allocate a fresh buffer per miner.
var readBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, defaultBufferSize)
		return &buf
	},
}

// getReadBuffer returns a buffer of at least size bytes
func getReadBuffer(size int) *[]byte {
	buf := readBufferPool.Get().(*[]byte)
	if cap(*buf) < size {
		b := make([]byte, size)
		return &b
	}
	*buf = (*buf)[:size]
	return buf
}

// putReadBuffer returns a buffer to the pool
func putReadBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) <= 4*defaultBufferSize {
		readBufferPool.Put(buf)
	}
}
