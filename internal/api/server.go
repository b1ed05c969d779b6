package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetsync/internal/deploy"
	"fleetsync/internal/events"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// Deployer is the orchestrator surface used by the handlers; *deploy.Orchestrator implements it.
type Deployer interface {
	EmbarkItinerary(ctx context.Context, clientID, itineraryID string, vehicleIDs []string) ([]deploy.VehicleResult, error)
	DisembarkItinerary(ctx context.Context, clientID, itineraryID string, vehicleIDs []string) ([]deploy.VehicleResult, error)
	GetDeployment(ctx context.Context, id string) (model.Deployment, error)
	ListDeployments(ctx context.Context, f model.DeploymentFilter) ([]model.Deployment, error)
}

type Server struct {
	Store    store.Store
	Deployer Deployer
	Broker   events.EventBroker
	Log      log.Interface
	// Settings is a redacted configuration summary served by /debug/info.
	Settings map[string]any
}

func NewServer(s store.Store, d Deployer, broker events.EventBroker, logger log.Interface) *Server {
	if logger == nil {
		logger = log.Log
	}
	if broker == nil {
		broker = events.NewBroker()
	}
	return &Server{Store: s, Deployer: d, Broker: broker, Log: logger}
}

// Routes returns the service mux wrapped in the logging and metrics middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Deployments
	mux.HandleFunc("POST /v1/itineraries/{id}/embark", s.EmbarkHandler)
	mux.HandleFunc("POST /v1/itineraries/{id}/disembark", s.DisembarkHandler)
	mux.HandleFunc("GET /v1/deployments", s.DeploymentsHandler)
	mux.HandleFunc("GET /v1/deployments/events/ws", s.DeploymentEventsWSHandler)
	mux.HandleFunc("GET /v1/deployments/{id}", s.DeploymentByIDHandler)

	// Health and operations
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug/info", s.DebugJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return s.logMiddleware(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
		s.Log.WithFields(log.Fields{
			"remote": r.RemoteAddr, "method": r.Method, "path": r.URL.Path, "status": rec.status, "duration_ms": dur.Milliseconds(),
		}).Debug("request")
	})
}
