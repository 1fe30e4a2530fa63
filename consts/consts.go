package consts

import "time"

const (
	// ReceiveBufferSize is the size of pooled buffers handed to transports
	// and decoders. One buffer backs at most one in-flight chunk.
	ReceiveBufferSize = 2048

	DefaultDecodeBufferSize = 8192

	DefaultInitialWindowSize = 65_535
	DefaultMaxFrameSize      = 16384
	DefaultIdleTimeout       = 30 * time.Second

	// MinCompressSize is the default response size below which the
	// compression handler leaves the body alone.
	MinCompressSize = 32
)
