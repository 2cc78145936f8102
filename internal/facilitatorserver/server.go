// Package facilitatorserver is the §4.7 facilitator HTTP surface: a
// gin router exposing /verify, /settle, /supported, /health, /status,
// /metrics, and /estimate-gas over the verify/settle pipelines in
// mechanisms/evm.
package facilitatorserver

import (
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/x402-go/x402/internal/config"
	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/internal/metrics"
	"github.com/x402-go/x402/internal/noncecache"
	"github.com/x402-go/x402/internal/resilience"
	"github.com/x402-go/x402/internal/settlementcache"
	"github.com/x402-go/x402/pkg/network"
	"github.com/x402-go/x402/pkg/types"
)

const (
	nonceCacheTTL           = 10 * time.Minute
	nonceSweepInterval      = time.Minute
	settlementCacheTTL      = 5 * time.Minute
	settlementSweepInterval = time.Minute
)

// Server is the facilitator's HTTP surface and its collaborators.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	pool        *chainPool
	nonces      *noncecache.Cache
	settlements *settlementcache.Cache
	revenue     *revenueTracker
	limiter     *resilience.TokenBucket
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	bus         *eventbus.Bus

	operatingAddress    string
	startedAt           time.Time
	stopSweeper         func()
	stopSettlementSweep func()

	router *gin.Engine
}

// New builds a Server from cfg. It derives the operating address from
// cfg.PrivateKey immediately, without dialing any RPC endpoint — chain
// adapters are dialed lazily on first use of a given network.
func New(cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = eventbus.New(0, logger)
	}

	privateKey, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
	if err != nil {
		return nil, err
	}
	operatingAddress := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	nonces := noncecache.New(nonceCacheTTL)
	stopSweeper := nonces.RunSweeper(nonceSweepInterval)

	settlements := settlementcache.New(settlementCacheTTL)
	stopSettlementSweep := settlements.RunSweeper(settlementSweepInterval)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry, metrics.Gauges{
		NonceCacheSize:       func() float64 { return float64(nonces.Size()) },
		ReplayAttacksBlocked: func() float64 { return float64(nonces.ReplayBlocked()) },
	})

	s := &Server{
		cfg:                 cfg,
		logger:              logger,
		pool:                newChainPool(cfg.RPCURLs, cfg.PrivateKey),
		nonces:              nonces,
		settlements:         settlements,
		revenue:             newRevenueTracker(),
		limiter:             resilience.NewTokenBucket(float64(cfg.RateLimit), float64(cfg.RateLimit)),
		metrics:             m,
		registry:            registry,
		bus:                 bus,
		operatingAddress:    operatingAddress,
		startedAt:           time.Now(),
		stopSweeper:         stopSweeper,
		stopSettlementSweep: stopSettlementSweep,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Router returns the underlying gin engine, for tests or for embedding
// behind a custom http.Server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Close stops the nonce-cache and settlement-cache sweeper goroutines.
func (s *Server) Close() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if s.stopSettlementSweep != nil {
		s.stopSettlementSweep()
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), recoveryMiddleware(s.logger), requestIDMiddleware())
	if s.cfg.RateLimitEnabled {
		router.Use(rateLimitMiddleware(s.limiter, true))
	}

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/supported", s.handleSupported)
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.POST("/estimate-gas", s.handleEstimateGas)
	if s.cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	return router
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// supportedKinds enumerates every (scheme, network) pair this
// facilitator advertises: both schemes on every registered network.
func supportedKinds() []types.SupportedKind {
	kinds := make([]types.SupportedKind, 0)
	for _, n := range network.All() {
		kinds = append(kinds, types.SupportedKind{Scheme: types.SchemeExact, Network: n.ID})
		kinds = append(kinds, types.SupportedKind{Scheme: types.SchemeUpto, Network: n.ID})
	}
	return kinds
}
