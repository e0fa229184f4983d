package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawinfra/clawrouter/internal/config"
	"github.com/clawinfra/clawrouter/internal/dedup"
	"github.com/clawinfra/clawrouter/internal/httputil"
	"github.com/clawinfra/clawrouter/internal/payment"
	"github.com/clawinfra/clawrouter/internal/types"
)

// upstreamClient owns the HTTP client and deadlines for talking to the
// aggregator endpoint.
type upstreamClient struct {
	base          string
	host          string
	client        *http.Client
	signerTimeout time.Duration
}

func newUpstreamClient(cfg config.UpstreamConfig) *upstreamClient {
	host := cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &upstreamClient{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		host: host,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: cfg.FirstByteTimeout,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		signerTimeout: cfg.SignerTimeout,
	}
}

func (u *upstreamClient) do(ctx context.Context, body []byte, paymentHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		req.Header.Set(payment.HeaderName, paymentHeader)
	}
	return u.client.Do(req)
}

// errUpstreamTransient marks attempts that should advance the fallback chain.
var errUpstreamTransient = errors.New("upstream transient failure")

// sendWithPayment runs one model attempt through the payment state machine:
// attach a cached pre-auth when available, satisfy a 402 challenge with
// exactly one signed retry, and surface a second 402 as a rejection.
func (s *Server) sendWithPayment(ctx context.Context, model string, body []byte) (*http.Response, error) {
	u := s.upstream

	header, cached := s.engine.Prepare(u.host, model)
	if s.metrics != nil {
		result := "miss"
		if cached {
			result = "hit"
		}
		s.metrics.PreAuthLookups.WithLabelValues(result).Inc()
	}

	resp, err := u.do(ctx, body, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstreamTransient, err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	// 402: parse the challenge, invalidate any stale pre-auth, sign once.
	challengeBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read challenge: %v", errUpstreamTransient, err)
	}
	s.engine.Observe(u.host, model, http.StatusPaymentRequired, nil, "")
	if s.metrics != nil {
		s.metrics.PaymentChallenges.WithLabelValues("challenged").Inc()
	}

	ch, err := payment.ParseChallenge(challengeBody)
	if err != nil {
		return nil, err
	}

	signCtx, cancel := context.WithTimeout(ctx, u.signerTimeout)
	defer cancel()
	signed, err := s.engine.Satisfy(signCtx, u.host, model, ch, payment.RequestDigest(body))
	if err != nil {
		return nil, err
	}

	retry, err := u.do(ctx, body, signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstreamTransient, err)
	}
	if retry.StatusCode == http.StatusPaymentRequired {
		rejBody, _ := io.ReadAll(io.LimitReader(retry.Body, 1<<16))
		contentType := retry.Header.Get("Content-Type")
		retry.Body.Close()
		if s.metrics != nil {
			s.metrics.PaymentChallenges.WithLabelValues("rejected").Inc()
		}
		return nil, &payment.RejectedError{
			Status:      retry.StatusCode,
			ContentType: contentType,
			Body:        rejBody,
		}
	}
	s.engine.Observe(u.host, model, retry.StatusCode, ch, signed)
	if retry.StatusCode >= 200 && retry.StatusCode < 300 && s.metrics != nil {
		s.metrics.PaymentChallenges.WithLabelValues("settled").Inc()
	}
	return retry, nil
}

// runOrigin is the single upstream send for a fingerprint: walk the fallback
// chain, drive payment, relay the winning response, and publish every byte to
// the dedup entry. Returns the status written to the client.
func (s *Server) runOrigin(w http.ResponseWriter, r *http.Request, req *types.ChatRequest, decision types.Decision, handle dedup.Handle) int {
	reqID := req.RequestID
	ctx, cancel := s.requestCtx(r)
	defer cancel()

	chain := modelChain(s.catalog, decision)
	var lastErr error

	for i, model := range chain {
		if i > 0 {
			slog.Warn("advancing to fallback model",
				"request_id", reqID, "from", chain[i-1], "to", model, "error", lastErr)
			if s.metrics != nil {
				s.metrics.FallbackAttempts.WithLabelValues(chain[i-1], model).Inc()
			}
		}

		body, err := upstreamBody(req, model)
		if err != nil {
			s.cache.Fail(handle, err)
			httputil.WriteInternalError(w, reqID, "failed to build upstream request")
			return http.StatusInternalServerError
		}

		resp, err := s.sendWithPayment(ctx, model, body)
		if err != nil {
			if errors.Is(err, errUpstreamTransient) && ctx.Err() == nil {
				lastErr = err
				continue
			}
			if ctx.Err() == context.DeadlineExceeded {
				err = context.DeadlineExceeded
			}
			return s.finishWithError(w, r, reqID, handle, err)
		}

		// Explicit upstream 4xx surfaces as-is; 5xx advances the chain.
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			resp.Body.Close()
			s.cache.Fail(handle, fmt.Errorf("upstream status %d", resp.StatusCode))
			httputil.WriteRawError(w, reqID, resp.StatusCode, resp.Header.Get("Content-Type"), body)
			return resp.StatusCode
		}

		// 2xx: relay.
		if isSSE(resp) {
			return s.relayStream(ctx, w, r, reqID, resp, handle)
		}
		return s.relayBody(w, reqID, resp, handle)
	}

	return s.finishWithError(w, r, reqID, handle, fmt.Errorf("all models failed: %w", lastErr))
}

// finishWithError maps a terminal error to the client and publishes the
// failure. Client cancellation hands the entry to the next subscriber when
// possible.
func (s *Server) finishWithError(w http.ResponseWriter, r *http.Request, reqID string, handle dedup.Handle, err error) int {
	if r.Context().Err() != nil {
		if s.cache.Cancel(handle) {
			slog.Debug("origin cancelled, subscriber promoted", "request_id", reqID)
		}
		return 0
	}
	s.cache.Fail(handle, err)
	return s.writeForwardError(w, reqID, err)
}

// writeForwardError renders a terminal forwarding error into the uniform
// envelope (or the raw upstream payment rejection).
func (s *Server) writeForwardError(w http.ResponseWriter, reqID string, err error) int {
	var rejected *payment.RejectedError
	switch {
	case errors.As(err, &rejected):
		httputil.WriteRawError(w, reqID, rejected.Status, rejected.ContentType, rejected.Body)
		return rejected.Status
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteTimeoutError(w, reqID, "upstream deadline exceeded")
		return http.StatusGatewayTimeout
	case errors.Is(err, errUpstreamTransient):
		httputil.WriteUpstreamError(w, reqID, "upstream unavailable after all fallbacks")
		return http.StatusBadGateway
	case err == nil:
		httputil.WriteInternalError(w, reqID, "internal error")
		return http.StatusInternalServerError
	default:
		httputil.WriteUpstreamError(w, reqID, err.Error())
		return http.StatusBadGateway
	}
}

// relayBody handles the non-streaming path: read fully, strip thinking
// tokens, publish, and relay with the upstream's status and content type.
func (s *Server) relayBody(w http.ResponseWriter, reqID string, resp *http.Response, handle dedup.Handle) int {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.cache.Fail(handle, err)
		httputil.WriteUpstreamError(w, reqID, "failed reading upstream response")
		return http.StatusBadGateway
	}

	body = s.post.StripBody(body)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	s.cache.Begin(handle, resp.StatusCode, contentType, false)
	s.cache.Append(handle, body)
	s.cache.Complete(handle)

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
	return resp.StatusCode
}

// upstreamBody patches the selected model into the client's original body.
// Everything else, unknown fields included, passes through untouched.
func upstreamBody(req *types.ChatRequest, model string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(req.Raw, &obj); err != nil {
		return nil, fmt.Errorf("rebuild upstream body: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	obj["model"] = encoded
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream body: %w", err)
	}
	return data, nil
}

func isSSE(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
