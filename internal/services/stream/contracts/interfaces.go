package contracts

import (
	"context"
	"io"
)

// StreamReader is the upstream response body
type StreamReader interface {
	io.Reader
	io.Closer
}

// ChunkProcessor sees every chunk before it is written to the client. The
// relay forwards whatever Process returns.
type ChunkProcessor interface {
	Process(ctx context.Context, data []byte) ([]byte, error)
	Name() string
}

// StreamWriter handles output with flush capabilities
type StreamWriter interface {
	Write([]byte) error
	Flush() error
	Close() error
}

// ConnectionState tracks client connection status
type ConnectionState interface {
	IsConnected() bool
	Done() <-chan struct{}
}
