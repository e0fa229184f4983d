// Package proxy is the HTTP front of clawrouter: a loopback listener that
// validates, routes, de-duplicates, pays for, and relays chat-completions
// requests to the upstream aggregator.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/clawinfra/clawrouter/internal/balance"
	"github.com/clawinfra/clawrouter/internal/catalog"
	"github.com/clawinfra/clawrouter/internal/config"
	"github.com/clawinfra/clawrouter/internal/dedup"
	"github.com/clawinfra/clawrouter/internal/httputil"
	"github.com/clawinfra/clawrouter/internal/payment"
	"github.com/clawinfra/clawrouter/internal/postproc"
	"github.com/clawinfra/clawrouter/internal/ringlog"
	"github.com/clawinfra/clawrouter/internal/router"
	"github.com/clawinfra/clawrouter/internal/telemetry"
	"github.com/clawinfra/clawrouter/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handle is what a host holds after Start. A second Start on the same port
// returns a delegating handle whose Close is a no-op, so lifecycle reloads
// never leak ports.
type Handle struct {
	Port          int
	BaseURL       string
	WalletAddress string

	closeFn func()
}

// Close shuts the server down. Idempotent; a no-op on delegating handles.
func (h *Handle) Close() {
	if h.closeFn != nil {
		h.closeFn()
	}
}

// Options wires the external collaborators into the proxy.
type Options struct {
	Config *config.Config
	// Loader, when set, supplies hot-reloaded routing options.
	Loader *config.Loader
	// Signer overrides the wallet signer built from config.
	Signer payment.Signer
	// BalanceChecker feeds the wallet-empty flag. Optional.
	BalanceChecker balance.Checker
	// PostProcessor strips provider thinking tokens. Defaults to the
	// built-in stripper with the known delimiters.
	PostProcessor postproc.Processor
	Metrics       *telemetry.Metrics
}

// Server is the proxy singleton for one port.
type Server struct {
	cfg      *config.Config
	loader   *config.Loader
	catalog  *catalog.Catalog
	router   *router.Router
	engine   *payment.Engine
	cache    *dedup.Cache
	monitor  *balance.Monitor
	ring     *ringlog.Ring
	post     postproc.Processor
	metrics  *telemetry.Metrics
	upstream *upstreamClient

	httpSrv  *http.Server
	listener net.Listener

	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[int]*Server{}
)

// Start builds and starts the proxy, or returns a delegating handle when the
// port is already served by a live proxy (in-process or a prior instance).
func Start(opts Options) (*Handle, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	port := cfg.Server.Port
	if port < 1 || port > 65535 {
		port = config.DefaultPort
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[port]; ok {
		if opts.Signer != nil && opts.Signer.Address() != existing.engine.Address() {
			slog.Warn("proxy already running with a different wallet",
				"port", port,
				"running_wallet", existing.engine.Address(),
				"requested_wallet", opts.Signer.Address(),
			)
		}
		return &Handle{
			Port:          port,
			BaseURL:       fmt.Sprintf("http://127.0.0.1:%d", port),
			WalletAddress: existing.engine.Address(),
		}, nil
	}

	cfg.Server.Port = port
	srv, err := build(cfg, opts)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		// A prior clawrouter instance may own the port. Probe its health
		// endpoint; if it answers, delegate to it rather than failing.
		if wallet, ok := probeExisting(port); ok {
			if srv.engine.Address() != wallet {
				slog.Warn("delegating to existing proxy with a different wallet",
					"port", port,
					"running_wallet", wallet,
					"requested_wallet", srv.engine.Address(),
				)
			}
			return &Handle{
				Port:          port,
				BaseURL:       fmt.Sprintf("http://127.0.0.1:%d", port),
				WalletAddress: wallet,
			}, nil
		}
		return nil, fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
	}

	srv.listener = ln
	registry[port] = srv
	srv.run()

	if opts.Loader != nil {
		opts.Loader.OnReload(func() {
			c := opts.Loader.Config()
			if c == nil {
				return
			}
			tiers, err := tiersFromOptions(c.Routing.Tiers)
			if err == nil && len(tiers) > 0 {
				err = srv.catalog.SetTiers(tiers)
			}
			if err != nil {
				slog.Error("routing config reload rejected", "error", err)
			}
		})
	}

	slog.Info("proxy started",
		"port", port,
		"wallet", srv.engine.Address(),
		"upstream", cfg.Upstream.BaseURL,
		"disabled", cfg.Server.Disabled,
	)

	return &Handle{
		Port:          port,
		BaseURL:       fmt.Sprintf("http://127.0.0.1:%d", port),
		WalletAddress: srv.engine.Address(),
		closeFn:       func() { srv.Close() },
	}, nil
}

func build(cfg *config.Config, opts Options) (*Server, error) {
	signer := opts.Signer
	if signer == nil {
		if cfg.Payment.WalletKey == "" {
			return nil, fmt.Errorf("no wallet key configured (set WALLET_KEY)")
		}
		var err error
		signer, err = payment.NewWalletSigner(cfg.Payment.WalletKey)
		if err != nil {
			return nil, fmt.Errorf("wallet signer: %w", err)
		}
	}

	post := opts.PostProcessor
	if post == nil {
		post = postproc.NewStripper(postproc.DefaultDelimiters)
	}

	cat := catalog.Default()
	if tiers, err := tiersFromOptions(cfg.Routing.Tiers); err != nil {
		return nil, err
	} else if len(tiers) > 0 {
		if err := cat.SetTiers(tiers); err != nil {
			return nil, fmt.Errorf("routing tiers: %w", err)
		}
	}

	routingOpts := func() config.RoutingOptions {
		if opts.Loader != nil {
			if c := opts.Loader.Config(); c != nil {
				return c.Routing
			}
		}
		return cfg.Routing
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:      cfg,
		loader:   opts.Loader,
		catalog:  cat,
		router:   router.New(cat, routingOpts),
		engine:   payment.NewEngine(signer, cfg.Payment.PreAuthCap, cfg.Payment.SafetySkew),
		cache:    dedup.NewCache(cfg.Dedup.MaxEntries, cfg.Dedup.TTL, cfg.Dedup.StreamBufferBytes),
		monitor:  balance.NewMonitor(opts.BalanceChecker, cfg.Balance.PollInterval),
		ring:     ringlog.New(256),
		post:     post,
		metrics:  opts.Metrics,
		upstream: newUpstreamClient(cfg.Upstream),
		baseCtx:  baseCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Get("/health", srv.handleHealth)
	r.Get("/v1/models", srv.handleListModels)
	r.Post("/v1/chat/completions", srv.handleChatCompletions)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/internal/requests", srv.handleRequestLog)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteNotFoundError(w, requestID(w), "unknown path")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteMethodNotAllowedError(w, requestID(w), "method not allowed")
	})

	srv.httpSrv = &http.Server{
		Handler: r,
	}
	return srv, nil
}

func (s *Server) run() {
	go func() {
		err := s.httpSrv.Serve(s.listener)
		if err != nil && err != http.ErrServerClosed {
			slog.Error("listener stopped", "error", err)
		}
	}()

	// Background tasks are owned by the server and cancelled together.
	go s.monitor.Run(s.baseCtx)
	go s.reapLoop()
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.cfg.Dedup.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.cache.Reap()
			s.engine.Reap()
		}
	}
}

// Close stops accepting connections, lets active requests finish for the
// graceful-shutdown window, then force-closes. The port is rebindable as soon
// as Close returns.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdown)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.httpSrv.Close()
		}

		registryMu.Lock()
		if registry[s.port()] == s {
			delete(registry, s.port())
		}
		registryMu.Unlock()

		close(s.done)
		slog.Info("proxy stopped", "port", s.port())
	})
	<-s.done
}

func (s *Server) port() int {
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Server.Port
}

// probeExisting asks a foreign process's health endpoint for its wallet.
func probeExisting(port int) (wallet string, ok bool) {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var body struct {
		Status string `json:"status"`
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "ok" {
		return "", false
	}
	return body.Wallet, true
}

func tiersFromOptions(opts map[string]config.TierOption) (map[types.Tier]catalog.TierModels, error) {
	out := make(map[types.Tier]catalog.TierModels, len(opts))
	for name, t := range opts {
		tier, ok := types.ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("routing tiers: unknown tier %q", name)
		}
		out[tier] = catalog.TierModels{Primary: t.Primary, Fallback: t.Fallback}
	}
	return out, nil
}
