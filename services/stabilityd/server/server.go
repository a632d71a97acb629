package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stabilitypool/crypto"
	"stabilitypool/native/stability"
	"stabilitypool/observability"
	"stabilitypool/services/stabilityd/journal"
)

// Pool is the engine surface served over HTTP.
type Pool interface {
	ProvideDeposit(ctx context.Context, depositor crypto.Address, amount *uint256.Int, frontEndTag crypto.Address) (*stability.DepositReceipt, error)
	WithdrawDeposit(ctx context.Context, depositor crypto.Address, amount *uint256.Int) (*stability.DepositReceipt, error)
	WithdrawGainToPosition(ctx context.Context, depositor crypto.Address) (*stability.DepositReceipt, error)
	RegisterFrontEnd(ctx context.Context, addr crypto.Address, kickbackRate *uint256.Int) (*stability.FrontEnd, error)
	Offset(ctx context.Context, caller crypto.Address, debtToOffset, collateralToAdd *uint256.Int) (*stability.OffsetReceipt, error)

	Pool() (*stability.PoolState, error)
	Sum(epoch, scale uint64) (*stability.EpochScaleSum, error)
	Deposit(depositor crypto.Address) (*stability.Deposit, error)
	FrontEnd(addr crypto.Address) (*stability.FrontEnd, error)
	CompoundedDeposit(depositor crypto.Address) (*uint256.Int, error)
	DepositorCollateralGain(depositor crypto.Address) (*uint256.Int, error)
	DepositorTokenGain(depositor crypto.Address) (*uint256.Int, error)
	CompoundedFrontEndStake(addr crypto.Address) (*uint256.Int, error)
	FrontEndTokenGain(addr crypto.Address) (*uint256.Int, error)
}

// EventLog pages through the persisted event journal and follows new
// entries.
type EventLog interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
	Subscribe(eventType string) (<-chan journal.Entry, func())
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// Liquidator is the caller identity offsets are submitted under.
	Liquidator crypto.Address
	CertFile   string
	KeyFile    string
	RateLimit  *RateLimiter
}

// Server hosts the stability pool API.
type Server struct {
	cfg     Config
	pool    Pool
	events  EventLog
	auth    *Authenticator
	logger  *slog.Logger
	handler http.Handler
}

// New constructs the server and its router.
func New(cfg Config, pool Pool, events EventLog, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool engine required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, pool: pool, events: events, auth: auth, logger: logger}
	s.handler = otelhttp.NewHandler(s.buildRouter(), "stabilityd")
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.cfg.RateLimit.Middleware)
			read.Get("/pool", s.handlePool)
			read.Get("/pool/sums/{epoch}/{scale}", s.handleSum)
			read.Get("/deposits/{address}", s.handleGetDeposit)
			read.Get("/frontends/{address}", s.handleGetFrontEnd)
			read.Get("/events", s.handleEvents)
			read.Get("/events/stream", s.handleEventStream)
		})
		api.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware)
			write.Use(s.cfg.RateLimit.Middleware)
			write.With(RequireScope(ScopeWrite)).Post("/deposits", s.handleProvide)
			write.With(RequireScope(ScopeWrite)).Post("/withdrawals", s.handleWithdraw)
			write.With(RequireScope(ScopeWrite)).Post("/gains/position", s.handleGainToPosition)
			write.With(RequireScope(ScopeWrite)).Post("/frontends", s.handleRegisterFrontEnd)
			write.With(RequireScope(ScopeLiquidate)).Post("/offsets", s.handleOffset)
		})
	})
	return r
}

// observe records latency and status per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.APIMetrics().Observe(route, r.Method, status, time.Since(start))
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", status))
		}
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	var err error
	if strings.TrimSpace(s.cfg.CertFile) == "" {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
