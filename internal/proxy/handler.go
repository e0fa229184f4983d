package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/clawrouter/internal/catalog"
	"github.com/clawinfra/clawrouter/internal/dedup"
	"github.com/clawinfra/clawrouter/internal/httputil"
	"github.com/clawinfra/clawrouter/internal/ringlog"
	"github.com/clawinfra/clawrouter/internal/router"
	"github.com/clawinfra/clawrouter/internal/types"
	"github.com/google/uuid"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func requestID(w http.ResponseWriter) string {
	return w.Header().Get("X-Request-ID")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"wallet": s.engine.Address(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type modelObject struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	models := []modelObject{}
	for _, m := range s.catalog.List() {
		models = append(models, modelObject{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: "clawrouter",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ring.Snapshot())
}

// handleChatCompletions is the main request path: validate, route, dedup,
// forward, relay.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(w)
	receivedAt := time.Now()

	if s.cfg.Server.Disabled {
		httputil.WriteError(w, reqID, http.StatusServiceUnavailable,
			"server_error", "proxy_disabled", "proxy is registered but disabled")
		return
	}

	req, errStatus, errMsg := s.decodeRequest(w, r)
	if req == nil {
		switch errStatus {
		case http.StatusRequestEntityTooLarge:
			httputil.WritePayloadTooLargeError(w, reqID, errMsg)
		default:
			httputil.WriteBadRequestError(w, reqID, errMsg)
		}
		return
	}
	req.RequestID = reqID
	req.ReceivedAt = receivedAt

	if _, ok := s.catalog.Resolve(req.Model); !ok {
		httputil.WriteBadRequestError(w, reqID, fmt.Sprintf("unknown model %q", req.Model))
		return
	}

	prompt := req.UserContent()
	decision := s.router.Route(prompt, router.Context{
		RequestedModel: req.Model,
		HasTools:       len(req.Tools) > 0,
		MaxTokens:      req.MaxTokens,
		MessageCount:   len(req.Messages),
		ContextTokens:  contextTokens(req),
		NonText:        req.HasNonText(),
		WalletEmpty:    s.monitor.Empty(),
	})

	slog.Info("routing decision",
		"request_id", reqID,
		"model_requested", req.Model,
		"model_selected", decision.Model,
		"tier", string(decision.Tier),
		"method", string(decision.Method),
		"confidence", decision.Confidence,
		"reasoning", decision.Reasoning,
	)
	if s.metrics != nil {
		s.metrics.RouteDecisions.WithLabelValues(string(decision.Tier), string(decision.Method)).Inc()
	}

	fp := dedup.Fingerprint(req, decision.Model)
	kind, handle, sub, recorded := s.cache.Lookup(fp)
	switch kind {
	case dedup.LookupDone:
		if s.metrics != nil {
			s.metrics.DedupLookups.WithLabelValues("replay").Inc()
		}
		s.replay(w, reqID, recorded)
		s.record(req, decision, recorded.Status, true, receivedAt)
	case dedup.LookupInflight:
		if s.metrics != nil {
			s.metrics.DedupLookups.WithLabelValues("attach").Inc()
		}
		s.subscribe(w, r, reqID, req, decision, sub, receivedAt)
	default:
		if s.metrics != nil {
			s.metrics.DedupLookups.WithLabelValues("miss").Inc()
		}
		status := s.runOrigin(w, r, req, decision, handle)
		s.record(req, decision, status, false, receivedAt)
	}
}

// decodeRequest enforces the validation rules. It returns nil with a status
// and message on failure.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*types.ChatRequest, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", s.cfg.Limits.MaxBodyBytes)
		}
		return nil, http.StatusBadRequest, "failed to read request body"
	}
	defer r.Body.Close()

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, http.StatusBadRequest, "invalid JSON: " + err.Error()
	}
	if len(req.Messages) == 0 {
		return nil, http.StatusBadRequest, "messages must be a non-empty array"
	}
	if len(req.Messages) > s.cfg.Limits.MaxMessages {
		return nil, http.StatusBadRequest,
			fmt.Sprintf("messages exceeds %d entries", s.cfg.Limits.MaxMessages)
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return nil, http.StatusBadRequest, "max_tokens must be a non-negative integer"
	}
	req.Raw = body
	return &req, 0, ""
}

// replay writes a recorded response verbatim.
func (s *Server) replay(w http.ResponseWriter, reqID string, rec *dedup.Recorded) {
	w.Header().Set("Content-Type", rec.ContentType)
	if rec.Streamed {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(rec.Status)
	flusher, _ := w.(http.Flusher)
	for _, ev := range rec.Events {
		w.Write(ev)
		if rec.Streamed && flusher != nil {
			flusher.Flush()
		}
	}
}

// subscribe rides an in-flight entry, forwarding the origin's frames. On
// promotion it becomes the origin itself.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, reqID string, req *types.ChatRequest, decision types.Decision, sub *dedup.Subscriber, receivedAt time.Time) {
	flusher, _ := w.(http.Flusher)
	started := false
	streamed := false
	status := 0

	for {
		select {
		case <-r.Context().Done():
			// Subscriber client gone; drain the channel in the background
			// until the origin closes it, discarding the remaining frames.
			go func() {
				for range sub.Frames() {
				}
			}()
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				s.record(req, decision, status, true, receivedAt)
				return
			}
			switch frame.Kind {
			case dedup.FramePromote:
				status = s.runOrigin(w, r, req, decision, frame.Handle)
				s.record(req, decision, status, false, receivedAt)
				return
			case dedup.FrameMeta:
				started = true
				status = frame.Status
				streamed = strings.HasPrefix(frame.ContentType, "text/event-stream")
				w.Header().Set("Content-Type", frame.ContentType)
				if streamed {
					w.Header().Set("Cache-Control", "no-cache")
					w.Header().Set("Connection", "keep-alive")
				}
				w.WriteHeader(frame.Status)
				if streamed && flusher != nil {
					flusher.Flush()
				}
			case dedup.FrameData:
				w.Write(frame.Data)
				if streamed && flusher != nil {
					flusher.Flush()
				}
			case dedup.FrameEnd:
				// Terminal; the channel close follows.
			case dedup.FrameError:
				if !started {
					status = s.writeForwardError(w, reqID, frame.Err)
				} else if streamed {
					writeSyntheticSSEError(w, flusher, frame.Err)
				}
			}
		}
	}
}

// record appends to the ring log and bumps metrics.
func (s *Server) record(req *types.ChatRequest, decision types.Decision, status int, dedupHit bool, receivedAt time.Time) {
	duration := time.Since(receivedAt)
	s.ring.Add(ringlog.Record{
		RequestID:  req.RequestID,
		Model:      decision.Model,
		Tier:       string(decision.Tier),
		Method:     string(decision.Method),
		Status:     status,
		Stream:     req.Stream,
		DedupHit:   dedupHit,
		Duration:   duration,
		CostUSD:    decision.CostEstimate,
		SavingsPct: decision.Savings,
		At:         receivedAt,
	})
	slog.Info("request completed",
		"request_id", req.RequestID,
		"model", decision.Model,
		"tier", string(decision.Tier),
		"status", status,
		"stream", req.Stream,
		"dedup_hit", dedupHit,
		"duration_ms", duration.Milliseconds(),
	)
	if s.metrics != nil {
		s.metrics.RequestTotal.WithLabelValues(
			decision.Model, string(decision.Tier),
			fmt.Sprintf("%d", status), fmt.Sprintf("%t", req.Stream),
		).Inc()
		s.metrics.RequestDurationMs.WithLabelValues(
			decision.Model, fmt.Sprintf("%t", req.Stream),
		).Observe(float64(duration.Milliseconds()))
		if status >= 200 && status < 300 && !dedupHit {
			saved := decision.BaselineCost - decision.CostEstimate
			if saved > 0 {
				s.metrics.SavingsUSDTotal.Add(saved)
			}
		}
	}
}

// contextTokens is the rough size of the whole conversation, for the
// context-window fit check.
func contextTokens(req *types.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total / 4
}

// requestCtx derives the per-request context: bounded by the client
// connection, the server lifetime, and the total upstream deadline.
func (s *Server) requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Upstream.RequestTimeout)
	stop := context.AfterFunc(s.baseCtx, cancel)
	return ctx, func() { stop(); cancel() }
}

func writeSyntheticSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	msg := "upstream error"
	if err != nil {
		msg = err.Error()
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"message": msg,
			"type":    "upstream_error",
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

func modelChain(cat *catalog.Catalog, decision types.Decision) []string {
	switch decision.Method {
	case types.MethodFreeFallback:
		return []string{catalog.Free}
	case types.MethodForced:
		if decision.Tier == "" {
			return []string{decision.Model}
		}
	}
	chain := []string{decision.Model}
	for _, id := range cat.Chain(decision.Tier) {
		if id != decision.Model {
			chain = append(chain, id)
		}
	}
	return chain
}
