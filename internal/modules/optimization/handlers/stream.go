package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/aristath/allocator/internal/modules/history"
	"github.com/aristath/allocator/internal/modules/optimization"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Stream frame types.
const (
	FrameIteration = "iteration"
	FrameResult    = "result"
	FrameError     = "error"
)

// StreamFrame is one message sent on the optimizer stream.
type StreamFrame struct {
	Type      string                      `json:"type"`
	Iteration *optimization.IterationStat `json:"iteration,omitempty"`
	Result    *OptimizeResponse           `json:"result,omitempty"`
	Error     *ErrorDetail                `json:"error,omitempty"`
}

const streamWriteTimeout = 10 * time.Second

// HandleStream handles GET /api/optimizer/stream. The client sends one
// OptimizeRequest as JSON; the server answers with one iteration frame per
// accepted solver step, then a result or error frame, and closes.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to accept websocket connection")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.MaxUploadBytes)

	ctx := r.Context()

	var body OptimizeRequest
	readCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	err = wsjson.Read(readCtx, conn, &body)
	cancel()
	if err != nil {
		h.log.Debug().Err(err).Msg("Failed to read stream request")
		conn.Close(websocket.StatusUnsupportedData, "expected an optimization request")
		return
	}

	req, err := body.toRequest()
	if err != nil {
		h.sendError(ctx, conn, err, "")
		return
	}
	req.Trace = true

	out, runID, err := h.optimize(ctx, history.SourceStream, req)
	if err != nil {
		h.sendError(ctx, conn, err, runID)
		return
	}

	for i := range out.Result.Trace {
		frame := StreamFrame{Type: FrameIteration, Iteration: &out.Result.Trace[i]}
		if err := h.send(ctx, conn, frame); err != nil {
			h.log.Debug().Err(err).Msg("Stream client went away")
			return
		}
	}

	result := newOptimizeResponse(req, out, runID)
	result.Diagnostics.Trace = nil
	if err := h.send(ctx, conn, StreamFrame{Type: FrameResult, Result: &result}); err != nil {
		h.log.Debug().Err(err).Msg("Stream client went away")
		return
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) sendError(ctx context.Context, conn *websocket.Conn, err error, runID string) {
	detail := newErrorDetail(err, runID)
	if sendErr := h.send(ctx, conn, StreamFrame{Type: FrameError, Error: &detail}); sendErr != nil {
		h.log.Debug().Err(sendErr).Msg("Stream client went away")
		return
	}
	conn.Close(websocket.StatusNormalClosure, detail.Kind)
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
