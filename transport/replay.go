package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bazelment/quill/internal/ndjson"
	"github.com/bazelment/quill/protocol"
)

// Replay feeds a recorded trace through the same interface as a live
// process. Lines recorded as sent are skipped; control responses written to
// a replay are kept for inspection.
type Replay struct {
	reader *ndjson.Reader
	closer io.Closer
	logger *slog.Logger

	mu          sync.Mutex
	responses   []protocol.ControlResponse
	interrupted bool
	closed      bool
	exhausted   bool
}

// NewReplay reads trace lines from r. If r is an io.Closer it is closed by
// Close.
func NewReplay(r io.Reader, logger *slog.Logger) *Replay {
	if logger == nil {
		logger = slog.Default()
	}
	rp := &Replay{reader: ndjson.NewReader(r), logger: logger}
	if c, ok := r.(io.Closer); ok {
		rp.closer = c
	}
	return rp
}

// Next returns the next received message, or io.EOF.
func (r *Replay) Next(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.mu.Lock()
		closed := r.closed || r.interrupted
		r.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		line, err := r.reader.ReadRecord(func(line []byte, err error) {
			r.logger.Debug("skipping malformed trace line", "error", err)
		})
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.mu.Lock()
				r.exhausted = true
				r.mu.Unlock()
				return nil, io.EOF
			}
			return nil, err
		}
		msg, received, err := protocol.ParseTraceLine(line)
		if err != nil {
			r.logger.Debug("skipping undecodable trace line", "error", err)
			continue
		}
		if !received || msg == nil {
			continue
		}
		return msg, nil
	}
}

// Exhausted reports whether the end of the trace was reached.
func (r *Replay) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// Respond records resp.
func (r *Replay) Respond(ctx context.Context, resp protocol.ControlResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return nil
}

// Responses returns the control responses written so far.
func (r *Replay) Responses() []protocol.ControlResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ControlResponse(nil), r.responses...)
}

// Interrupt stops the replay.
func (r *Replay) Interrupt() error {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
	return r.Close()
}

// Close releases the underlying reader.
func (r *Replay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
