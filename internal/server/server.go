package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/db"
	"github.com/ridged/authd/internal/events"
	"github.com/ridged/authd/internal/handlers"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/mq"
	"github.com/ridged/authd/internal/passwords"
	"github.com/ridged/authd/internal/services"
	"github.com/ridged/authd/internal/store"
	"github.com/ridged/authd/internal/tokens"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
	// handlerTimeout must fire before writeTimeout so that a slow request
	// still gets a response.
	handlerTimeout = 10 * time.Second
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	mq         mq.Backend
	auth       *services.AuthService
	log        logging.Logger
}

// New wires the credential store, hasher, token issuer and event publisher
// described by cfg and mounts the HTTP routes.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log, os.Stdout)

	s := &Server{log: log}
	ok := false
	defer func() {
		if !ok {
			s.closeBackends()
		}
	}()

	var credentials store.CredentialStore
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn(ctx, "using in-memory credential store; accounts are lost on restart")
		credentials = store.NewMemoryStore()
	default:
		dbConn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.db = dbConn
		credentials = store.NewAccountRepository(dbConn)
	}

	hasher, err := passwords.NewHasher(cfg.Hasher.Cost, cfg.Hasher.Workers)
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}
	issuer, err := tokens.NewIssuer(tokens.Options{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		Audience:       cfg.JWT.Audience,
		AccessTokenTTL: cfg.JWT.AccessTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	backend, err := mq.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.mq = backend
	var sink events.Sink = events.NopSink{}
	if backend != nil {
		sink = events.NewPublisher(backend, cfg.Events, log)
	}

	s.auth = services.NewAuthService(credentials, hasher, issuer, services.Options{
		RefreshTokenTTL: cfg.JWT.RefreshTokenTTL(),
		Events:          sink,
		Logger:          log,
	})
	s.router = newRouter(s.auth, issuer, log)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	ok = true
	return s, nil
}

func newRouter(auth *services.AuthService, issuer *tokens.Issuer, log logging.Logger) *chi.Mux {
	authHandler := handlers.NewAuthHandler(auth, issuer, log)
	adminHandler := handlers.NewAdminHandler(auth, log)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		handlers.RequestLogger(log),
		handlers.Recoverer(log),
		middleware.Timeout(handlerTimeout),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler)
	})
	router.Route("/admin", func(r chi.Router) {
		handlers.AdminRouter(r, adminHandler, authHandler.RequireAuth)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Auth exposes the account workflows, mostly for operator commands.
func (s *Server) Auth() *services.AuthService {
	return s.auth
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then releases the database and
// message queue connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	if s.mq != nil {
		if err := s.mq.Close(); err != nil {
			s.log.Warn(context.Background(), "close message queue", "error", err)
		}
		s.mq = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn(context.Background(), "close database", "error", err)
		}
		s.db = nil
	}
}
