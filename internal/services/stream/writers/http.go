package writers

import (
	"bufio"

	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/contracts"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/valyala/fasthttp"
)

// HTTPStreamWriter writes relayed bytes verbatim to the client connection
type HTTPStreamWriter struct {
	writer     *bufio.Writer
	connState  contracts.ConnectionState
	requestID  string
	totalBytes int64
}

// NewHTTPStreamWriter creates a new HTTP stream writer
func NewHTTPStreamWriter(writer *bufio.Writer, connState contracts.ConnectionState, requestID string) *HTTPStreamWriter {
	return &HTTPStreamWriter{
		writer:    writer,
		connState: connState,
		requestID: requestID,
	}
}

// Write writes data to the HTTP stream
func (w *HTTPStreamWriter) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if !w.connState.IsConnected() {
		return contracts.NewClientDisconnectError(w.requestID)
	}

	n, err := w.writer.Write(data)
	if n > 0 {
		w.totalBytes += int64(n)
	}
	return w.classify(err, "write failed")
}

// Flush flushes buffered data
func (w *HTTPStreamWriter) Flush() error {
	if !w.connState.IsConnected() {
		return contracts.NewClientDisconnectError(w.requestID)
	}
	return w.classify(w.writer.Flush(), "flush failed")
}

// Close flushes whatever is still buffered while the client is connected
func (w *HTTPStreamWriter) Close() error {
	if !w.connState.IsConnected() {
		return nil
	}
	return w.classify(w.writer.Flush(), "flush failed")
}

// TotalBytes returns total bytes written
func (w *HTTPStreamWriter) TotalBytes() int64 {
	return w.totalBytes
}

// A failed write or flush on the client connection always ends the relay as a
// disconnect.
func (w *HTTPStreamWriter) classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if !contracts.IsConnectionClosed(err) {
		fiberlog.Debugf("[%s] Client %s: %v", w.requestID, message, err)
	}
	return contracts.NewClientDisconnectError(w.requestID)
}

// FastHTTPConnectionState wraps FastHTTP context for connection state
type FastHTTPConnectionState struct {
	ctx *fasthttp.RequestCtx
}

// NewFastHTTPConnectionState creates connection state from FastHTTP context
func NewFastHTTPConnectionState(ctx *fasthttp.RequestCtx) *FastHTTPConnectionState {
	return &FastHTTPConnectionState{ctx: ctx}
}

// IsConnected checks if client is still connected
func (c *FastHTTPConnectionState) IsConnected() bool {
	if c.ctx == nil {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Done returns channel that closes when client disconnects
func (c *FastHTTPConnectionState) Done() <-chan struct{} {
	if c.ctx == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.ctx.Done()
}

// AlwaysConnected is a ConnectionState for writers that have no client
// connection to watch, such as tests and CLI output.
type AlwaysConnected struct{}

func (AlwaysConnected) IsConnected() bool { return true }

func (AlwaysConnected) Done() <-chan struct{} { return nil }
