package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/compiler-lab/internal/runner"
)

// CodeRunner is the execution contract this handler drives. *runner.Runner is
// the production implementation; tests substitute a fake that emits scripted
// event streams.
type CodeRunner interface {
	Run(req runner.Request, onEvent func(runner.Event)) *runner.Handle
}

// startupGrace is added on top of the run timeout when the HTTP handler waits
// for the terminal event. It covers interpreter startup (asset download and
// compilation), which happens before the host-side run timer matters.
const startupGrace = 90 * time.Second

// ExecuteHandler exposes code execution over two transports:
//
//   - POST /api/execute     → run to completion, respond with the full event list
//   - GET  /api/execute/ws  → stream events over a WebSocket as they happen
//
// The WebSocket transport is what the editor uses — stdout appears line by
// line while the code is still running. The POST transport is for curl,
// tests, and clients that don't care about streaming.
type ExecuteHandler struct {
	runner CodeRunner
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(r CodeRunner, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runner: r,
		logger: logger,
	}
}

// executeRequest is the JSON body for POST /api/execute and the "run"
// WebSocket command.
type executeRequest struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs,omitempty"` // optional override, clamped by the runner
	IndexURL  string `json:"indexUrl,omitempty"`  // optional interpreter asset override
}

func (req executeRequest) toRunnerRequest() runner.Request {
	r := runner.Request{
		Language: req.Language,
		Code:     req.Code,
		IndexURL: req.IndexURL,
	}
	if req.TimeoutMs > 0 {
		r.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return r
}

// executeResponse is the POST response: the run's identifier plus every event
// the run produced, in order, ending with the terminal event.
type executeResponse struct {
	RunID  string         `json:"runId"`
	Events []runner.Event `json:"events"`
}

// HandleExecute runs code to completion and returns the collected events.
//
// HTTP: POST /api/execute
//
// The runner is asynchronous — it hands events to a callback and returns a
// Handle immediately. Here we bridge that back to a synchronous HTTP
// response: collect events under a mutex, signal a channel on the terminal
// event, and block until it fires (or the client goes away).
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_json",
			Message: "request body must be valid JSON",
		})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "code is required",
		})
		return
	}

	var (
		mu       sync.Mutex
		events   []runner.Event
		signaled bool
		done     = make(chan struct{})
	)

	// The rejection path delivers error followed by done — two terminal
	// kinds — so the channel close must be guarded, not unconditional.
	handle := h.runner.Run(req.toRunnerRequest(), func(ev runner.Event) {
		mu.Lock()
		events = append(events, ev)
		fire := ev.Kind.Terminal() && !signaled
		if fire {
			signaled = true
		}
		mu.Unlock()
		if fire {
			close(done)
		}
	})

	// The terminal event is guaranteed by the runner, but we still bound the
	// wait: a missing terminal event must never wedge an HTTP worker.
	waitCtx, cancel := context.WithTimeout(r.Context(), waitBudget(req)+startupGrace)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		handle.Stop()
		h.logger.Warn("execution wait aborted",
			slog.String("language", req.Language),
			slog.String("reason", waitCtx.Err().Error()),
		)
		// Stop() seals the stream; whatever was collected (plus the done
		// event Stop emits, if it won the race) is returned as-is.
	}

	mu.Lock()
	defer mu.Unlock()
	resp := executeResponse{Events: events}
	if len(events) > 0 {
		resp.RunID = events[0].RunID
	}
	writeJSON(w, http.StatusOK, resp)
}

func waitBudget(req executeRequest) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return runner.DefaultTimeout
}

// wsCommand is a client→server WebSocket message.
//
//	{"type": "run", "language": "python", "code": "print(1)"}
//	{"type": "stop"}
type wsCommand struct {
	Type string `json:"type"`
	executeRequest
}

// HandleExecuteWS streams run events over a WebSocket.
//
// HTTP: GET /api/execute/ws (upgraded)
//
// PROTOCOL:
// The client sends "run" commands; the server streams the run's events as
// JSON messages and keeps the socket open for the next command. A "run"
// while a run is in flight stops the previous run first (its remaining
// events are sealed away, so streams never interleave). "stop" cancels the
// current run. Closing the socket cancels too.
func (h *ExecuteHandler) HandleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The editor is served from the same origin; other origins are
		// rejected by the library's default check.
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx := r.Context()

	// All writes flow through writeEvent. wsjson.Write is not safe for
	// concurrent use and events arrive on executor goroutines.
	var writeMu sync.Mutex
	writeEvent := func(ev runner.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := wsjson.Write(writeCtx, conn, ev); err != nil {
			h.logger.Debug("websocket event write failed", slog.String("error", err.Error()))
		}
	}

	var current *runner.Handle
	defer func() {
		if current != nil {
			current.Stop()
		}
	}()

	for {
		var cmd wsCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			// Normal closure or client gone — either way we're done.
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		switch cmd.Type {
		case "run":
			if current != nil {
				current.Stop()
			}
			current = h.runner.Run(cmd.toRunnerRequest(), writeEvent)
		case "stop":
			if current != nil {
				current.Stop()
				current = nil
			}
		default:
			writeMu.Lock()
			werr := wsjson.Write(ctx, conn, ErrorResponse{
				Error:   "unknown_command",
				Message: "expected type \"run\" or \"stop\"",
			})
			writeMu.Unlock()
			if werr != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
