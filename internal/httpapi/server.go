// Package httpapi is the merchant backend's HTTP transport collaborator:
// a gorilla/mux router binding the core domain packages
// (contract, payment, refund, reconcile, tip, longpoll, instance) to the
// merchant JSON API. Every collaborator is injected into Server through a
// Deps struct rather than reached through package-level state.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"taler-merchant/internal/contract"
	"taler-merchant/internal/instance"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/metrics"
	"taler-merchant/internal/payment"
	"taler-merchant/internal/reconcile"
	"taler-merchant/internal/refund"
	"taler-merchant/internal/store"
	"taler-merchant/internal/tip"
)

var log = logrus.New()

// SetLogger overrides the package logger.
func SetLogger(l *logrus.Logger) { log = l }

// DefaultInstanceID is the single tenant this HTTP surface operates
// against. Spec §6's HTTP surface lists bare paths
// ("POST /orders", not "POST /instances/{id}/orders"); the merchant core
// underneath is already multi-tenant, so a future
// multi-instance transport only needs to thread a path variable through
// instead of changing any handler body.
const DefaultInstanceID = "default"

// Server wires the domain collaborators to gorilla/mux routes.
type Server struct {
	router     *mux.Router
	httpServer *http.Server

	st         store.Store
	instances  *instance.Registry
	contracts  *contract.Manager
	payments   *payment.Coordinator
	refunds    *refund.Ledger
	reconciler *reconcile.Reconciler
	tips       *tip.Subsystem
	waiters    *longpoll.Registry

	masterKey        []byte // chacha20poly1305 key sealing instance private keys at rest
	merchantBaseURL  string
	instanceDefaults InstanceDefaultsFunc
	metrics          *metrics.Registry // nil-safe; observability is ambient, not spec-required
}

// InstanceDefaultsFunc resolves the per-instance defaults CreateOrder needs,
// kept as an injected function so Server does not itself know how Instance
// rows map to contract.InstanceDefaults.
type InstanceDefaultsFunc func(ctx context.Context, instanceID string) (contract.InstanceDefaults, error)

// Deps bundles Server's collaborators.
type Deps struct {
	Store            store.Store
	Instances        *instance.Registry
	Contracts        *contract.Manager
	Payments         *payment.Coordinator
	Refunds          *refund.Ledger
	Reconciler       *reconcile.Reconciler
	Tips             *tip.Subsystem
	Waiters          *longpoll.Registry
	MasterKey        []byte
	MerchantBaseURL  string
	InstanceDefaults InstanceDefaultsFunc
	Metrics          *metrics.Registry
}

// NewServer constructs the router and HTTP server bound to addr.
func NewServer(addr string, d Deps) *Server {
	s := &Server{
		st:               d.Store,
		instances:        d.Instances,
		contracts:        d.Contracts,
		payments:         d.Payments,
		refunds:          d.Refunds,
		reconciler:       d.Reconciler,
		tips:             d.Tips,
		waiters:          d.Waiters,
		masterKey:        d.MasterKey,
		merchantBaseURL:  d.MerchantBaseURL,
		instanceDefaults: d.InstanceDefaults,
		metrics:          d.Metrics,
		router:           mux.NewRouter(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // long-poll responses can legitimately take this long
	}
	return s
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

// Router exposes the underlying mux.Router, mainly for tests.
func (s *Server) Router() *mux.Router { return s.router }

// withInstance acquires a reference-counted handle on DefaultInstanceID for
// the duration of fn, blocking a concurrent Delete from completing while
// the request is in flight (its acquire/release discipline).
func (s *Server) withInstance(fn func(instanceID string) error) error {
	h, err := s.instances.Acquire(DefaultInstanceID)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.InstanceID)
}

// observeDeposit records a deposit/payment outcome if a metrics Registry was
// configured; a nil Registry (as in most tests) is a no-op.
func (s *Server) observeDeposit(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveDeposit(outcome)
	}
}

// observeLongPollWait records how long a long-poll waiter blocked.
func (s *Server) observeLongPollWait(wait time.Duration, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveLongPollWait(wait, outcome)
	}
}
