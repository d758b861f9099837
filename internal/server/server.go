package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cpjudge/apiserver/config"
	"github.com/cpjudge/apiserver/internal/codeblob"
	"github.com/cpjudge/apiserver/internal/db"
	"github.com/cpjudge/apiserver/internal/handlers"
	"github.com/cpjudge/apiserver/internal/mq"
	"github.com/cpjudge/apiserver/internal/services"
	"github.com/cpjudge/apiserver/internal/storage"
	"github.com/cpjudge/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objectStorage, err := newObjectStorage(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	queue, err := newQueue(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	submissionRepo := store.NewSubmissionRepository(dbConn)
	taskRepo := store.NewTaskRepository(dbConn)
	userRepo := store.NewUserRepository(dbConn)

	codeStore := codeblob.New(objectStorage)

	var publisher services.QueuePublisher
	if queue != nil {
		publisher = queue
	}

	submissionService := services.NewSubmissionService(
		submissionRepo,
		taskRepo,
		userRepo,
		codeStore,
		codeblob.Unzip,
		publisher,
	)
	taskService := services.NewTaskService(taskRepo)
	userService := services.NewUserService(userRepo)

	jwtSecret := strings.TrimSpace(cfg.JWTSecret)
	if jwtSecret == "" {
		_ = dbConn.Close()
		return nil, errors.New("JWT_SECRET is required")
	}

	authMiddleware := handlers.RequireAuth(jwtSecret)
	optionalAuth := handlers.OptionalAuth(jwtSecret)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/submissions", func(r chi.Router) {
		handlers.SubmissionRouter(r, submissionService, authMiddleware, optionalAuth)
	})
	router.Route("/tasks", func(r chi.Router) {
		handlers.TaskRouter(r, taskService, userService, authMiddleware)
	})
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, jwtSecret)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		queue:      queue,
	}, nil
}

func newObjectStorage(ctx context.Context, cfg config.StorageConfig) (*storage.Storage, error) {
	switch cfg.Backend {
	case config.StorageBackendMinio:
		backend, err := storage.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(backend), nil
	case config.StorageBackendGCS:
		backend, err := storage.NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(backend), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newQueue(ctx context.Context, cfg config.MQConfig) (*mq.MQ, error) {
	switch cfg.Backend {
	case config.MQBackendNone, "":
		return nil, nil
	case config.MQBackendPubSub:
		backend, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return mq.New(backend), nil
	case config.MQBackendRabbitMQ:
		backend, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return mq.New(backend), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return s.httpServer.Close()
}
