// Package api exposes the analysis pipeline over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/agrolens/internal/metrics"
	"github.com/rewired-gh/agrolens/internal/models"
	"github.com/rewired-gh/agrolens/internal/ollama"
	"github.com/rewired-gh/agrolens/internal/storage"
	"github.com/rewired-gh/agrolens/internal/worker"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, modelOverride string) (*models.RunOutcome, error)
}

// Store is the read side of the persistence layer.
type Store interface {
	ListAnalysisResults(ctx context.Context, limit int) ([]models.AnalysisRecord, error)
	GetAnalysisResult(ctx context.Context, id int64) (*models.AnalysisRecord, error)
	GetSensorSnapshot(ctx context.Context, id int64) (*models.SensorSnapshot, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Catalog manages the inference backend's models.
type Catalog interface {
	ListModels(ctx context.Context) ([]ollama.Model, error)
	PullModel(ctx context.Context, name string) error
	ActiveModel() string
	SetActiveModel(name string) error
}

// Options tunes the server.
type Options struct {
	RunRateLimit float64 // runs per second
	RunBurst     int
	CORSOrigins  []string
	Metrics      *metrics.Metrics
}

// Server routes API requests to the pipeline, the store and the catalog.
type Server struct {
	runner  Runner
	store   Store
	catalog Catalog
	pool    *worker.Pool
	limiter *rate.Limiter
	metrics *metrics.Metrics
	decoder *schema.Decoder
	origins []string
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a Server. Runs are executed on pool.
func NewServer(runner Runner, store Store, catalog Catalog, pool *worker.Pool, opts Options) *Server {
	if opts.RunRateLimit <= 0 {
		opts.RunRateLimit = 0.2
	}
	if opts.RunBurst < 1 {
		opts.RunBurst = 1
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	s := &Server{
		runner:  runner,
		store:   store,
		catalog: catalog,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(opts.RunRateLimit), opts.RunBurst),
		metrics: opts.Metrics,
		decoder: decoder,
		origins: opts.CORSOrigins,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.handler = s.chain()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.observe)

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Analysis
	analysis := api.PathPrefix("/analysis").Subrouter()
	analysis.HandleFunc("/runs", s.runAnalysis).Methods(http.MethodPost)
	analysis.HandleFunc("/results", s.listResults).Methods(http.MethodGet)
	analysis.HandleFunc("/results/{id:[0-9]+}", s.getResult).Methods(http.MethodGet)

	// Snapshots
	api.HandleFunc("/snapshots/{id:[0-9]+}", s.getSnapshot).Methods(http.MethodGet)

	// Models; names may contain ':' and '/'
	modelRoutes := api.PathPrefix("/models").Subrouter()
	modelRoutes.HandleFunc("", s.listModels).Methods(http.MethodGet)
	modelRoutes.HandleFunc("/active", s.setActiveModel).Methods(http.MethodPut)
	modelRoutes.HandleFunc("/{name:.+}/pull", s.pullModel).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, notFoundError("route not found"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, newError(ErrorTypeValidation, http.StatusMethodNotAllowed, "method not allowed", nil))
	})
}

// Handler returns the router wrapped in the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) chain() http.Handler {
	var h http.Handler = s.router
	h = handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
	)(h)
	h = withRequestID(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}), handlers.PrintRecoveryStack(false))(h)
	return h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
