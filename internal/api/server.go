package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/adevents"
	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/history"
	"github.com/patrickwarner/adeligibility/internal/logic/selectors"
	"github.com/patrickwarner/adeligibility/internal/middleware"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger        *zap.Logger
	Selector      selectors.Selector
	Events        *adevents.AdEventHandler
	History       *history.AdEventHistory
	Source        db.CatalogSource
	Catalog       *models.InMemoryCatalog
	AntiTargeting *models.InMemoryAntiTargeting
	Metrics       observability.MetricsRegistry
	DebugTrace    bool
	// GeoIP resolves each request's region. Nil leaves the selector's own
	// resolver in charge.
	GeoIP    RegionLookup
	reloadMu sync.Mutex
}

// RegionLookup maps a client address to a region code such as "US-CA".
type RegionLookup interface {
	Subdivision(ip net.IP) string
}

// NewServer constructs a Server. source may be nil when the catalog is
// populated some other way; Reload then fails.
func NewServer(logger *zap.Logger, selector selectors.Selector, events *adevents.AdEventHandler, hist *history.AdEventHistory, source db.CatalogSource, catalog *models.InMemoryCatalog, anti *models.InMemoryAntiTargeting, metrics observability.MetricsRegistry, debug bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:        logger,
		Selector:      selector,
		Events:        events,
		History:       hist,
		Source:        source,
		Catalog:       catalog,
		AntiTargeting: anti,
		Metrics:       metrics,
		DebugTrace:    debug,
	}
}

// Routes builds the router with request logging and OpenTelemetry
// instrumentation applied.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithRequestLogger(s.Logger))

	r.HandleFunc("/ads", s.GetAdsHandler).Methods(http.MethodGet)
	r.HandleFunc("/events", s.FireEventHandler).Methods(http.MethodPost)
	r.HandleFunc("/history", s.HistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/reload", s.ReloadHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "adengine",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Reload refreshes the catalog and anti-targeting resource from Source.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Source == nil || s.Catalog == nil {
		return fmt.Errorf("catalog source unavailable")
	}
	if err := db.LoadCatalog(ctx, s.Source, s.Catalog, s.AntiTargeting); err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	s.Logger.Info("catalog reloaded", zap.Int("creative_ads", s.Catalog.Len()))
	return nil
}

// observe records the request counter and latency for one handled request.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, errorResponse{Error: msg})
}
