// Package payment drives the HTTP 402 challenge / signed-authorization dance
// against the upstream, with a pre-auth cache so most requests skip the
// challenge round-trip entirely.
package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// HeaderName is the request header carrying the signed authorization.
const HeaderName = "X-Payment"

// RejectedError is returned when the upstream answers a signed retry with a
// second 402. The upstream body is surfaced to the client unchanged.
type RejectedError struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment rejected by upstream (status %d)", e.Status)
}

// preAuth is a cached signed header for one (endpoint-host, model) pair.
type preAuth struct {
	lastKnownPrice decimal.Decimal
	header         string
	expiresAt      time.Time
}

// Engine is the per-process payment state machine driver.
type Engine struct {
	signer Signer

	mu    sync.Mutex
	cache map[string]preAuth
	group singleflight.Group

	ttlCap time.Duration
	skew   time.Duration
	now    func() time.Time
}

func NewEngine(signer Signer, ttlCap, safetySkew time.Duration) *Engine {
	return &Engine{
		signer: signer,
		cache:  make(map[string]preAuth),
		ttlCap: ttlCap,
		skew:   safetySkew,
		now:    time.Now,
	}
}

// Address is the wallet address of the injected signer.
func (e *Engine) Address() string { return e.signer.Address() }

func cacheKey(endpoint, model string) string { return endpoint + "|" + model }

// Prepare returns a cached pre-signed authorization header for the pair, if a
// fresh one exists. A hit elides the 402 round-trip.
func (e *Engine) Prepare(endpoint, model string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.cache[cacheKey(endpoint, model)]
	if !ok {
		return "", false
	}
	if !e.now().Before(rec.expiresAt.Add(-e.skew)) {
		delete(e.cache, cacheKey(endpoint, model))
		return "", false
	}
	return rec.header, true
}

// Satisfy signs an authorization for the parsed challenge. Concurrent callers
// for the same (endpoint, model) coalesce so only one signature is produced
// per expiration window; all of them receive the same header.
func (e *Engine) Satisfy(ctx context.Context, endpoint, model string, ch *Challenge, requestDigest [32]byte) (string, error) {
	// Re-validation: a still-fresh record covering the challenged amount can
	// answer without a new signature.
	e.mu.Lock()
	if rec, ok := e.cache[cacheKey(endpoint, model)]; ok &&
		e.now().Before(rec.expiresAt.Add(-e.skew)) &&
		rec.lastKnownPrice.GreaterThanOrEqual(ch.Amount) {
		e.mu.Unlock()
		return rec.header, nil
	}
	e.mu.Unlock()

	type signed struct{ header string }
	v, err, _ := e.group.Do(cacheKey(endpoint, model), func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		var hdr []byte
		var signErr error
		go func() {
			hdr, signErr = e.signer.Sign(ch, requestDigest)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("signer: %w", ctx.Err())
		}
		if signErr != nil {
			return nil, fmt.Errorf("sign payment authorization: %w", signErr)
		}
		return signed{header: string(hdr)}, nil
	})
	if err != nil {
		return "", err
	}
	return v.(signed).header, nil
}

// Observe updates the pre-auth cache from an upstream outcome: a 2xx refreshes
// the record with the latest known price and a new expiry; a 402 invalidates
// it (price or recipient changed).
func (e *Engine) Observe(endpoint, model string, statusCode int, ch *Challenge, header string) {
	key := cacheKey(endpoint, model)
	e.mu.Lock()
	defer e.mu.Unlock()

	if statusCode == 402 {
		delete(e.cache, key)
		return
	}
	if statusCode < 200 || statusCode >= 300 || ch == nil || header == "" {
		return
	}

	ttl := time.Until(ch.Expiry()) - e.skew
	if ttl > e.ttlCap {
		ttl = e.ttlCap
	}
	if ttl <= 0 {
		return
	}
	e.cache[key] = preAuth{
		lastKnownPrice: ch.Amount,
		header:         header,
		expiresAt:      e.now().Add(ttl),
	}
}

// Invalidate drops the cache entry for a pair.
func (e *Engine) Invalidate(endpoint, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, cacheKey(endpoint, model))
}

// Reap drops every expired record. Run periodically by the proxy.
func (e *Engine) Reap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for k, rec := range e.cache {
		if !now.Before(rec.expiresAt) {
			delete(e.cache, k)
		}
	}
}
