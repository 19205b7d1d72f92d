package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/billsync/billsync/pkg/actions"
	"github.com/billsync/billsync/pkg/events"
	"github.com/billsync/billsync/pkg/httputil"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/reports"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

// webhookMaxBytes bounds webhook bodies; processor payloads are far
// smaller than this.
const webhookMaxBytes = 1 << 20

// fullSyncTimeout bounds a triggered full sync.
const fullSyncTimeout = 30 * time.Minute

// Server wires the HTTP routes to the billing services
type Server struct {
	store   *storage.Store
	events  *events.Processor
	actions *actions.Service
	reports *reports.Service
	syncer  *sync.Syncer
	logger  *observability.Logger
	metrics *observability.Metrics
	router  *mux.Router
}

// NewServer creates the API server and registers its routes
func NewServer(store *storage.Store, eventProcessor *events.Processor, actionService *actions.Service, reportService *reports.Service, syncer *sync.Syncer, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		store:   store,
		events:  eventProcessor,
		actions: actionService,
		reports: reportService,
		syncer:  syncer,
		logger:  logger,
		metrics: metrics,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Webhook ingest
	s.router.Handle("/webhooks/stripe",
		httputil.MaxBytesMiddleware(webhookMaxBytes)(http.HandlerFunc(s.handleWebhook))).Methods("POST")

	// User billing actions
	s.router.HandleFunc("/api/v1/users/{user_id}/subscribe", s.handleSubscribe).Methods("POST")
	s.router.HandleFunc("/api/v1/users/{user_id}/plan", s.handleChangePlan).Methods("POST")
	s.router.HandleFunc("/api/v1/users/{user_id}/card", s.handleChangeCard).Methods("POST")
	s.router.HandleFunc("/api/v1/users/{user_id}/cancel", s.handleCancel).Methods("POST")
	s.router.HandleFunc("/api/v1/users/{user_id}/subscription", s.handleGetSubscription).Methods("GET")
	s.router.HandleFunc("/api/v1/users/{user_id}/invoices", s.handleCreateInvoice).Methods("POST")

	// Invoice administration
	s.router.HandleFunc("/api/v1/invoices/{stripe_id}/pay", s.handlePayInvoice).Methods("POST")
	s.router.HandleFunc("/api/v1/invoices/{stripe_id}", s.handleDeleteInvoice).Methods("DELETE")

	// Catalog
	s.router.HandleFunc("/api/v1/plans", s.handleListPlans).Methods("GET")
	s.router.HandleFunc("/api/v1/skus", s.handleListSKUs).Methods("GET")
	s.router.HandleFunc("/api/v1/skus", s.handleCreateSKU).Methods("POST")

	// Reports
	s.router.HandleFunc("/api/v1/reports/subscribers", s.handleSubscriberReport).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/plans", s.handlePlanReport).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/churn", s.handleChurnReport).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/transfers", s.handleTransferReport).Methods("GET")

	// Operations
	s.router.HandleFunc("/api/v1/sync", s.handleTriggerSync).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped in the standard middleware chain
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
		httputil.RecoveryMiddleware(s.logger),
	)(s)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.logger.WithError(err).Error("health check failed")
		httputil.WriteServiceUnavailable(w, "database unavailable")
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
