package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ai-icarus/icarus/internal/agent"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/rs/zerolog/log"
)

// chatStreamTimeout bounds one chat request including all tool turns.
const chatStreamTimeout = 5 * time.Minute

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// handleChat runs the agent loop for one user message. Clients that accept
// text/event-stream get tool activity and content streamed as SSE events;
// everyone else gets the final result as one JSON body.
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request, caller identity.CallerIdentity) {
	if req.Method != http.MethodPost {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}
	if r.chat == nil || !r.config.IsInferenceConfigured() {
		writeErrorResponse(w, req, http.StatusServiceUnavailable, "configuration",
			"model inference is not configured", nil)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxInvokeBodyBytes)

	var body ChatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	// Reject empty messages before SSE headers go out, so the client gets a
	// real status code instead of an empty stream.
	if strings.TrimSpace(body.Message) == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_argument", "message is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), chatStreamTimeout)
	defer cancel()

	if !strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		result, err := r.chat.Chat(ctx, caller, body.SessionID, body.Message, nil)
		if err != nil {
			writeGatewayError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	// Set up SSE
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Transfer-Encoding", "identity")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, req, http.StatusInternalServerError, "internal_error", "Streaming not supported", nil)
		return
	}

	// Disable server timeouts for the stream lifetime
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	flusher.Flush()

	// Heartbeat keeps proxies from closing the stream between tool turns.
	// The write mutex serializes heartbeats against event writes.
	var writeMu sync.Mutex
	var clientDisconnected atomic.Bool
	heartbeatDone := make(chan struct{})

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				_ = rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
				_, err := w.Write([]byte(": heartbeat\n\n"))
				if err == nil {
					flusher.Flush()
				}
				writeMu.Unlock()
				if err != nil {
					clientDisconnected.Store(true)
					return
				}
			case <-heartbeatDone:
				return
			}
		}
	}()
	defer close(heartbeatDone)

	writeEvent := func(event agent.Event) {
		if clientDisconnected.Load() {
			return
		}
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			clientDisconnected.Store(true)
			return
		}
		flusher.Flush()
	}

	// The loop emits its own terminal event: done on success, error on
	// failure. Nothing more to add here beyond logging.
	if _, err := r.chat.Chat(ctx, caller, body.SessionID, body.Message, writeEvent); err != nil {
		log.Warn().Err(err).Str("caller", caller.SubjectHash()).Msg("Chat stream ended with error")
	}
}
