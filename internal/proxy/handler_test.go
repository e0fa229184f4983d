package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawinfra/clawrouter/internal/config"
	"github.com/clawinfra/clawrouter/internal/payment"
)

type fakeSigner struct {
	calls int32
}

func (f *fakeSigner) Address() string { return "0xfeedfacefeedfacefeedfacefeedfacefeedface" }

func (f *fakeSigner) Sign(ch *payment.Challenge, digest [32]byte) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return []byte("sig-" + ch.Nonce), nil
}

// upstreamState records what the mock upstream observed.
type upstreamState struct {
	mu         sync.Mutex
	hits       int32
	challenges int32
	models     []string
	headers    []string
}

func (u *upstreamState) record(model, paymentHeader string) {
	atomic.AddInt32(&u.hits, 1)
	u.mu.Lock()
	u.models = append(u.models, model)
	u.headers = append(u.headers, paymentHeader)
	u.mu.Unlock()
}

func (u *upstreamState) lastModel() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.models) == 0 {
		return ""
	}
	return u.models[len(u.models)-1]
}

func completionBody(content string) string {
	return fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`, content)
}

// newMockUpstream serves /chat/completions with the given handler.
func newMockUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// simpleUpstream answers every request with a fixed completion.
func simpleUpstream(t *testing.T, state *upstreamState, content string) *httptest.Server {
	return newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		state.record(req.Model, r.Header.Get(payment.HeaderName))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody(content))
	})
}

// newTestProxy builds a proxy wired to the given upstream and serves it via
// httptest, bypassing the real port binding.
func newTestProxy(t *testing.T, upstreamURL string, mutate func(*config.Config)) (*Server, *httptest.Server, *fakeSigner) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.RequestTimeout = 5 * time.Second
	cfg.Upstream.HeartbeatEvery = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	signer := &fakeSigner{}
	srv, err := build(cfg, Options{Config: cfg, Signer: signer})
	if err != nil {
		t.Fatalf("build proxy: %v", err)
	}
	front := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(front.Close)
	return srv, front, signer
}

func postCompletion(t *testing.T, base string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func simpleRequest(prompt string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"model":    "auto",
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	})
	return string(b)
}

func TestHealthEndpoint(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(front.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		var body struct {
			Status string `json:"status"`
			Wallet string `json:"wallet"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != 200 || body.Status != "ok" {
			t.Fatalf("health check %d failed: %d %+v", i, resp.StatusCode, body)
		}
		if !strings.HasPrefix(body.Wallet, "0x") {
			t.Errorf("wallet missing: %+v", body)
		}
	}
	if atomic.LoadInt32(&state.hits) != 0 {
		t.Error("health must not touch the upstream")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)

	resp, err := http.Get(front.URL + "/v2/other")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetOnCompletionsRejected(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)

	resp, err := http.Get(front.URL + "/v1/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestValidationRules(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{not json`, 400},
		{"empty messages", `{"model":"auto","messages":[]}`, 400},
		{"missing messages", `{"model":"auto"}`, 400},
		{"negative max_tokens", `{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":-1}`, 400},
		{"zero max_tokens", `{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":0}`, 200},
		{"unknown model", `{"model":"gpt-nonexistent-99","messages":[{"role":"user","content":"hi"}]}`, 400},
		{"fractional max_tokens", `{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":1.5}`, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postCompletion(t, front.URL, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
		})
	}
}

func TestMessageCountBoundary(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)

	build := func(n int) string {
		msgs := make([]map[string]string, n)
		for i := range msgs {
			msgs[i] = map[string]string{"role": "user", "content": fmt.Sprintf("message %d", i)}
		}
		b, _ := json.Marshal(map[string]interface{}{"model": "auto", "messages": msgs})
		return string(b)
	}

	resp := postCompletion(t, front.URL, build(200))
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("200 messages: expected 200, got %d", resp.StatusCode)
	}

	resp = postCompletion(t, front.URL, build(201))
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("201 messages: expected 400, got %d", resp.StatusCode)
	}
}

func TestBodySizeBoundary(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "ok").URL, nil)
	limit := int(config.DefaultConfig().Limits.MaxBodyBytes)

	// Build a valid body, then pad the content so the total length lands
	// exactly on the limit.
	pad := func(target int) string {
		skeleton := `{"model":"auto","messages":[{"role":"user","content":"%s"}]}`
		fill := target - len(fmt.Sprintf(skeleton, ""))
		return fmt.Sprintf(skeleton, strings.Repeat("a", fill))
	}

	atLimit := pad(limit)
	if len(atLimit) != limit {
		t.Fatalf("test setup: body is %d bytes, want %d", len(atLimit), limit)
	}
	resp := postCompletion(t, front.URL, atLimit)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("body at limit: expected 200, got %d", resp.StatusCode)
	}

	overLimit := pad(limit + 1)
	resp = postCompletion(t, front.URL, overLimit)
	resp.Body.Close()
	if resp.StatusCode != 413 {
		t.Errorf("body over limit: expected 413, got %d", resp.StatusCode)
	}
}

func TestSimpleQueryRoutesCheapEndToEnd(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "The capital of France is Paris.").URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("What is the capital of France?"))
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "Paris") {
		t.Errorf("response missing answer: %s", body)
	}
	if hits := atomic.LoadInt32(&state.hits); hits != 1 {
		t.Errorf("expected one upstream call, got %d", hits)
	}
	if got := state.lastModel(); got != "deepseek/deepseek-chat" {
		t.Errorf("expected SIMPLE primary upstream, got %q", got)
	}
}

func TestWalletEmptyRoutesFreeEndToEnd(t *testing.T) {
	state := &upstreamState{}
	srv, front, _ := newTestProxy(t, simpleUpstream(t, state, "free answer").URL, nil)
	srv.monitor.SetEmpty(true)

	resp := postCompletion(t, front.URL, simpleRequest("design a database schema for an inventory system"))
	resp.Body.Close()

	if got := state.lastModel(); !strings.HasSuffix(got, ":free") {
		t.Errorf("expected the free model upstream, got %q", got)
	}
}

func TestDedupCoalescesConcurrentRequests(t *testing.T) {
	state := &upstreamState{}
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		state.record(req.Model, r.Header.Get(payment.HeaderName))
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("coalesced"))
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	reqBody := simpleRequest("What is the capital of France?")
	var wg sync.WaitGroup
	bodies := make([]string, 2)
	ends := make([]time.Time, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(front.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
			if err != nil {
				t.Error(err)
				return
			}
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			ends[i] = time.Now()
			bodies[i] = string(b)
		}(i)
		time.Sleep(30 * time.Millisecond)
	}
	wg.Wait()

	if hits := atomic.LoadInt32(&state.hits); hits != 1 {
		t.Errorf("expected one upstream send for identical requests, got %d", hits)
	}
	if strings.TrimSpace(bodies[0]) != strings.TrimSpace(bodies[1]) {
		t.Errorf("subscribers must observe identical bytes:\n%q\n%q", bodies[0], bodies[1])
	}
	if !strings.Contains(bodies[0], "coalesced") {
		t.Errorf("unexpected body: %q", bodies[0])
	}
	lag := ends[1].Sub(ends[0])
	if lag < 0 {
		lag = -lag
	}
	if lag > 150*time.Millisecond {
		t.Errorf("clients finished %v apart, expected near-simultaneous completion", lag)
	}
}

func TestReplayWithinTTL(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "cached answer").URL, nil)

	reqBody := simpleRequest("What is the capital of France?")
	first := postCompletion(t, front.URL, reqBody)
	firstBytes, _ := io.ReadAll(first.Body)
	first.Body.Close()

	second := postCompletion(t, front.URL, reqBody)
	secondBytes, _ := io.ReadAll(second.Body)
	second.Body.Close()

	if hits := atomic.LoadInt32(&state.hits); hits != 1 {
		t.Errorf("replayed request must not hit upstream, got %d hits", hits)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("replay must be byte-identical:\n%q\n%q", firstBytes, secondBytes)
	}
}

func TestPaymentChallengeRetry(t *testing.T) {
	state := &upstreamState{}
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		header := r.Header.Get(payment.HeaderName)
		state.record(req.Model, header)

		if header == "" {
			atomic.AddInt32(&state.challenges, 1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprintf(w, `{"amount":"0.001","asset":"USDC","chain":"base","recipient":"0xrecipient","nonce":"n-%d","validUntil":%d}`,
				atomic.LoadInt32(&state.challenges), time.Now().Add(time.Hour).Unix())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("paid answer"))
	})
	_, front, signer := newTestProxy(t, upstream.URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("What is the capital of France?"))
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after signed retry, got %d: %s", resp.StatusCode, body)
	}
	if got := atomic.LoadInt32(&signer.calls); got != 1 {
		t.Errorf("expected exactly one signer call, got %d", got)
	}
	if got := atomic.LoadInt32(&state.challenges); got != 1 {
		t.Errorf("expected one 402 challenge, got %d", got)
	}

	// A second request for the same (endpoint, model) carries the cached
	// pre-auth and sees no 402 at all.
	resp = postCompletion(t, front.URL, simpleRequest("What is the capital of Spain?"))
	resp.Body.Close()
	if got := atomic.LoadInt32(&state.challenges); got != 1 {
		t.Errorf("pre-auth cache must elide the second challenge, got %d challenges", got)
	}
	if got := atomic.LoadInt32(&signer.calls); got != 1 {
		t.Errorf("pre-auth cache must elide re-signing, got %d signer calls", got)
	}
}

func TestSecondPaymentRejectionSurfaces402(t *testing.T) {
	rejection := `{"error":{"message":"insufficient funds","type":"payment_error"}}`
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		if r.Header.Get(payment.HeaderName) == "" {
			fmt.Fprintf(w, `{"amount":"0.001","asset":"USDC","chain":"base","recipient":"0xr","nonce":"n","validUntil":%d}`,
				time.Now().Add(time.Hour).Unix())
		} else {
			fmt.Fprint(w, rejection)
		}
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("hello"))
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 surfaced, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "insufficient funds") {
		t.Errorf("upstream rejection body must surface unchanged: %s", body)
	}
}

func TestUpstream4xxSurfacedAsIs(t *testing.T) {
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"bad params"}}`)
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("hello"))
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 surfaced, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "bad params") {
		t.Errorf("4xx body must surface unchanged: %s", body)
	}
}

func TestUpstream5xxExhaustsFallbacksTo502(t *testing.T) {
	var hits int32
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("What is the capital of France?"))
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 after exhausting fallbacks, got %d", resp.StatusCode)
	}
	// SIMPLE chain is primary plus two fallbacks.
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 fallback attempts, got %d", got)
	}
}

func TestFallbackOn5xxThenSuccess(t *testing.T) {
	var hits int32
	state := &upstreamState{}
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		var req struct {
			Model string `json:"model"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		state.record(req.Model, "")
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("fallback answer"))
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	resp := postCompletion(t, front.URL, simpleRequest("What is the capital of France?"))
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 from fallback, got %d: %s", resp.StatusCode, body)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.models) != 2 || state.models[0] == state.models[1] {
		t.Errorf("expected two attempts on distinct models, got %v", state.models)
	}
}

func TestUpstreamBodyPreservesUnknownFields(t *testing.T) {
	var upstreamModel, upstreamTopP string
	upstream := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string          `json:"model"`
			TopP  json.RawMessage `json:"top_p"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		upstreamModel = req.Model
		upstreamTopP = string(req.TopP)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("ok"))
	})
	_, front, _ := newTestProxy(t, upstream.URL, nil)

	body := `{"model":"auto","top_p":0.9,"messages":[{"role":"user","content":"What is the capital of France?"}]}`
	resp := postCompletion(t, front.URL, body)
	resp.Body.Close()

	if upstreamModel == "auto" || upstreamModel == "" {
		t.Errorf("model must be rewritten to the routed model, got %q", upstreamModel)
	}
	if upstreamTopP != "0.9" {
		t.Errorf("unknown fields must pass through, top_p = %q", upstreamTopP)
	}
}

func TestDisabledProxyDoesNotForward(t *testing.T) {
	state := &upstreamState{}
	_, front, _ := newTestProxy(t, simpleUpstream(t, state, "x").URL, func(cfg *config.Config) {
		cfg.Server.Disabled = true
	})

	resp := postCompletion(t, front.URL, simpleRequest("hi"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when disabled, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&state.hits) != 0 {
		t.Error("disabled proxy must not forward")
	}
}
