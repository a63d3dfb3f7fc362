package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/config"
	"deal-settlement/internal/events"
	"deal-settlement/internal/gateway"
	"deal-settlement/internal/handler"
	"deal-settlement/internal/invoice"
	"deal-settlement/internal/repository"
	"deal-settlement/internal/service"
	"deal-settlement/internal/settlement"
)

// Server represents the HTTP server
type Server struct {
	router         *mux.Router
	server         *http.Server
	db             *sql.DB
	redis          *redis.Client
	kafka          *events.KafkaPublisher
	service        *service.SettlementService
	stopReconciler context.CancelFunc
	reconcilerDone chan struct{}
	logger         *slog.Logger
	port           string
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize database connection
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test database connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Successfully connected to database")

	if err := repository.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database migrations applied")

	s := &Server{
		db:     db,
		logger: logger,
	}

	// Rate cache: Redis when configured, in-process otherwise
	var rateCache invoice.RateCache = invoice.NewMemoryRateCache()
	if cfg.RedisAddr != "" {
		client, err := invoice.ConnectRedis(context.Background(), cfg.RedisAddr)
		if err != nil {
			s.close()
			return nil, err
		}
		s.redis = client
		rateCache = invoice.NewRedisRateCache(client)
		logger.Info("Using Redis rate cache", "addr", cfg.RedisAddr)
	}

	// Event publisher: Kafka when configured, structured log otherwise
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			s.close()
			return nil, err
		}
		s.kafka = kafka
		publisher = kafka
		logger.Info("Publishing events to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Initialize store (Unit of Work)
	store := repository.NewStore(db, logger)

	chain := audit.NewChain(logger)
	sequencer := invoice.NewSequencer(chain, logger)
	converter := invoice.NewConverter(invoice.NewStaticOracle(invoice.DefaultRates()), rateCache, cfg.RateCacheTTL, logger)

	// Initialize services
	s.service = service.NewSettlementService(service.Dependencies{
		Store:          store,
		Machine:        settlement.NewMachine(chain, sequencer, logger),
		Chain:          chain,
		Gateway:        gateway.NewSandbox(logger),
		Converter:      converter,
		Publisher:      publisher,
		GatewayTimeout: cfg.GatewayTimeout,
		Logger:         logger,
	})

	// Setup router
	router := mux.NewRouter()

	// Add middleware for logging
	router.Use(loggingMiddleware(logger))

	handler.RegisterRoutes(router, s.service)

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check database connectivity in health check
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	s.router = router

	// Background reconciliation of requests left pending by gateway timeouts
	ctx, cancel := context.WithCancel(context.Background())
	s.stopReconciler = cancel
	s.reconcilerDone = make(chan struct{})
	reconciler := service.NewReconciler(s.service, cfg.ReconcileInterval, cfg.ReconcileAfter, logger)
	go func() {
		defer close(s.reconcilerDone)
		reconciler.Run(ctx)
	}()

	return s, nil
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"actor_id", r.Header.Get("X-Actor-ID"),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	// Get the actual port being used
	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	// Create HTTP server
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	// Start server in background
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop gracefully shuts down the server. In-flight requests finish before
// the database closes.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.stopReconciler != nil {
		s.stopReconciler()
		select {
		case <-s.reconcilerDone:
		case <-ctx.Done():
		}
	}
	s.close()
	return err
}

func (s *Server) close() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("Failed to close Kafka writer", "error", err)
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// Service returns the settlement service for testing purposes
func (s *Server) Service() *service.SettlementService {
	return s.service
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	// Initialize logger - use io.Discard for tests to avoid panic
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		// Production environment - use stdout
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	// Start the server and get the actual port
	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		return nil, "", err
	}

	return server, port, nil
}
