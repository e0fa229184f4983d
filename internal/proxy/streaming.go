package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/clawrouter/internal/dedup"
	"github.com/clawinfra/clawrouter/internal/httputil"
)

// relayStream forwards an upstream SSE response to the client, publishing
// every outgoing frame to the dedup entry so subscribers and replays see the
// identical byte sequence.
//
// Headers are committed and flushed before the first upstream byte arrives;
// heartbeat comments keep intermediaries from idling out while the upstream
// thinks.
func (s *Server) relayStream(ctx context.Context, w http.ResponseWriter, r *http.Request, reqID string, resp *http.Response, handle dedup.Handle) int {
	defer resp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.cache.Fail(handle, fmt.Errorf("streaming unsupported by writer"))
		httputil.WriteInternalError(w, reqID, "streaming not supported")
		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.cache.Begin(handle, http.StatusOK, "text/event-stream", true)

	filter := s.post.StreamFilter()

	// Reader goroutine: one SSE event per message. The main loop multiplexes
	// events, heartbeats, and cancellation.
	events := make(chan sseEvent, 16)
	go readSSE(resp, events)

	heartbeat := newHeartbeat(s.cfg.Upstream.HeartbeatEvery)
	defer heartbeat.stop()

	emit := func(frame []byte) {
		s.cache.Append(handle, frame)
		w.Write(frame)
		flusher.Flush()
	}

	// finish emits any text the filter still carries as one last content
	// delta, then the [DONE] terminator, and completes the dedup entry.
	finish := func() int {
		if tailText := filter.Flush(); len(tailText) > 0 {
			payload, _ := json.Marshal(map[string]interface{}{"choices": []interface{}{
				map[string]interface{}{"index": 0, "delta": map[string]string{"content": string(tailText)}},
			}})
			emit([]byte(fmt.Sprintf("data: %s\n\n", payload)))
		}
		emit([]byte("data: [DONE]\n\n"))
		s.cache.Complete(handle)
		return http.StatusOK
	}

	for {
		select {
		case <-r.Context().Done():
			// Client gone: upstream is torn down by ctx via the deferred
			// body close and request cancellation.
			if !s.cache.Cancel(handle) {
				slog.Debug("client disconnected mid-stream", "request_id", reqID)
			}
			return http.StatusOK

		case <-ctx.Done():
			// ctx is derived from the client connection; distinguish a real
			// deadline from the client going away.
			if r.Context().Err() != nil {
				s.cache.Cancel(handle)
				return http.StatusOK
			}
			emit(syntheticErrorFrame("upstream deadline exceeded"))
			s.cache.Fail(handle, context.DeadlineExceeded)
			return http.StatusOK

		case <-heartbeat.C():
			// Comment line only; never cached, subscribers attached this
			// early have their own fresh connections.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				// Upstream closed without [DONE]; flush any carried text and
				// end the stream cleanly.
				return finish()
			}
			heartbeat.stop()

			if ev.err != nil {
				emit(syntheticErrorFrame(ev.err.Error()))
				s.cache.Fail(handle, ev.err)
				return http.StatusOK
			}
			if ev.comment != "" {
				// Forward upstream keep-alive comments as-is.
				fmt.Fprintf(w, "%s\n\n", ev.comment)
				flusher.Flush()
				continue
			}
			if ev.data == "[DONE]" {
				return finish()
			}

			transformed := filter.Event([]byte(ev.data))
			emit([]byte(fmt.Sprintf("data: %s\n\n", transformed)))
		}
	}
}

type sseEvent struct {
	data    string
	comment string
	err     error
}

// readSSE scans the upstream body into data events and comments. The channel
// is closed on EOF; read errors are delivered as an error event first.
func readSSE(resp *http.Response, out chan<- sseEvent) {
	defer close(out)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			out <- sseEvent{data: strings.TrimPrefix(line, "data: ")}
		case strings.HasPrefix(line, ":"):
			out <- sseEvent{comment: line}
		}
		// event:/id:/retry: lines and blank separators are dropped; the
		// OpenAI-compatible stream only uses data frames.
	}
	if err := scanner.Err(); err != nil {
		out <- sseEvent{err: err}
	}
}

func syntheticErrorFrame(msg string) []byte {
	return []byte(fmt.Sprintf("data: {\"error\":{\"message\":%q,\"type\":\"upstream_error\"}}\n\n", msg))
}

// heartbeat ticks until stopped by the first upstream event (data or comment). Stop is idempotent;
// a stopped ticker simply never fires again.
type heartbeat struct {
	t *time.Ticker
}

func newHeartbeat(every time.Duration) *heartbeat {
	if every <= 0 {
		every = 10 * time.Second
	}
	return &heartbeat{t: time.NewTicker(every)}
}

func (h *heartbeat) C() <-chan time.Time { return h.t.C }

func (h *heartbeat) stop() { h.t.Stop() }
