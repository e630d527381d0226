package processors

import (
	"context"

	"github.com/imamfahrudin/ai-api-middleware/internal/utils"

	"github.com/valyala/bytebufferpool"
)

// HeadCapture forwards chunks unchanged while copying the first limit bytes of
// the stream into a pooled side buffer for usage parsing.
type HeadCapture struct {
	limit int
	buf   *bytebufferpool.ByteBuffer
}

// NewHeadCapture creates a processor that keeps at most limit bytes.
func NewHeadCapture(limit int) *HeadCapture {
	return &HeadCapture{
		limit: limit,
		buf:   utils.Get(),
	}
}

func (h *HeadCapture) Process(_ context.Context, data []byte) ([]byte, error) {
	if h.buf != nil {
		if room := h.limit - h.buf.Len(); room > 0 {
			_, _ = h.buf.Write(data[:min(room, len(data))])
		}
	}
	return data, nil
}

func (h *HeadCapture) Name() string {
	return "head-capture"
}

// Bytes returns the captured head. It is only valid until Release.
func (h *HeadCapture) Bytes() []byte {
	if h.buf == nil {
		return nil
	}
	return h.buf.B
}

// Release returns the side buffer to the pool.
func (h *HeadCapture) Release() {
	if h.buf != nil {
		utils.Put(h.buf)
		h.buf = nil
	}
}
