package handlers

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/contracts"
	"github.com/imamfahrudin/ai-api-middleware/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// RetryPolicy bounds chunk read retries inside one relay.
type RetryPolicy struct {
	MaxRetries int
	Backoff    func(n int) time.Duration
}

// Relay copies an upstream body to the client chunk by chunk.
type Relay struct {
	reader    contracts.StreamReader
	processor contracts.ChunkProcessor
	requestID string
	readSize  int
	retry     RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRelay creates a relay reading readSize bytes at a time.
func NewRelay(reader contracts.StreamReader, processor contracts.ChunkProcessor, requestID string, readSize int, retry RetryPolicy) *Relay {
	if readSize <= 0 {
		readSize = 8192
	}
	return &Relay{
		reader:    reader,
		processor: processor,
		requestID: requestID,
		readSize:  readSize,
		retry:     retry,
		sleep:     sleepContext,
	}
}

// Handle runs the relay until the upstream ends, the client goes away or read
// retries run out. The reader and writer are closed on every path.
func (r *Relay) Handle(ctx context.Context, writer contracts.StreamWriter) error {
	startTime := time.Now()
	var totalChunks int64
	var totalBytes int64

	buf := utils.GetSized(r.readSize)
	defer utils.Put(buf)
	buffer := buf.B

	defer func() {
		duration := time.Since(startTime)
		fiberlog.Debugf("[%s] Relay finished: %d chunks, %d bytes in %v", r.requestID, totalChunks, totalBytes, duration)

		if err := r.reader.Close(); err != nil {
			fiberlog.Warnf("[%s] Error closing upstream body: %v", r.requestID, err)
		}
		if err := writer.Close(); err != nil && !contracts.IsExpectedError(err) {
			fiberlog.Errorf("[%s] Error closing writer: %v", r.requestID, err)
		}
	}()

	retries := 0
	for {
		select {
		case <-ctx.Done():
			fiberlog.Infof("[%s] Context cancelled, stopping relay", r.requestID)
			return contracts.NewClientDisconnectError(r.requestID)
		default:
		}

		n, readErr := r.reader.Read(buffer)

		// Bytes returned alongside an error are still part of the stream.
		if n > 0 {
			written, err := r.forward(ctx, writer, buffer[:n])
			if err != nil {
				return err
			}
			totalChunks++
			totalBytes += int64(written)
		}

		if readErr == nil {
			if n > 0 {
				retries = 0
			}
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return contracts.NewStreamCompleteError(r.requestID)
		}
		if ctx.Err() != nil {
			return contracts.NewClientDisconnectError(r.requestID)
		}

		if retries >= r.retry.MaxRetries {
			fiberlog.Warnf("[%s] Upstream read failed after %d retries, ending stream: %v", r.requestID, retries, readErr)
			return contracts.NewStreamTruncatedError(r.requestID, retries, readErr)
		}

		delay := time.Duration(0)
		if r.retry.Backoff != nil {
			delay = r.retry.Backoff(retries)
		}
		retries++
		fiberlog.Warnf("[%s] Upstream read failed, retry %d/%d in %v: %v", r.requestID, retries, r.retry.MaxRetries, delay, readErr)
		if err := r.sleep(ctx, delay); err != nil {
			return contracts.NewClientDisconnectError(r.requestID)
		}
	}
}

func (r *Relay) forward(ctx context.Context, writer contracts.StreamWriter, chunk []byte) (int, error) {
	data := chunk
	if r.processor != nil {
		processed, err := r.processor.Process(ctx, chunk)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 0, contracts.NewClientDisconnectError(r.requestID)
			}
			return 0, contracts.NewInternalError(r.requestID, "chunk processing failed", err)
		}
		data = processed
	}
	if len(data) == 0 {
		return 0, nil
	}

	if err := writer.Write(data); err != nil {
		if contracts.IsClientDisconnect(err) {
			fiberlog.Infof("[%s] Client disconnected during write", r.requestID)
			return 0, err
		}
		return 0, contracts.NewInternalError(r.requestID, "write failed", err)
	}
	if err := writer.Flush(); err != nil {
		if contracts.IsClientDisconnect(err) {
			fiberlog.Infof("[%s] Client disconnected during flush", r.requestID)
			return 0, err
		}
		return 0, contracts.NewInternalError(r.requestID, "flush failed", err)
	}
	return len(data), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
