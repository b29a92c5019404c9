// Package main is the entry point for the chat bridge API server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"chatbridge/internal/attachments"
	"chatbridge/internal/authn"
	"chatbridge/internal/bridge"
	"chatbridge/internal/config"
	"chatbridge/internal/handlers"
	"chatbridge/internal/hub"
	"chatbridge/internal/provider"
	"chatbridge/internal/provider/anthropic"
	"chatbridge/internal/provider/openai"
	"chatbridge/internal/resilience"
	"chatbridge/internal/store/postgres"
	"chatbridge/internal/telemetry"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
)

// main initializes the application, sets up dependencies, defines routes,
// and starts the HTTP server with graceful shutdown.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("critical error loading configuration: %v", err)
	}

	// --- Dependency injection ---
	db, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("critical error! failed to connect to the database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Fatalf("critical error during database migration: %v", err)
	}

	attachmentSvc, err := attachments.New(cfg.S3, db)
	if err != nil {
		log.Fatalf("critical error! failed to create attachment service: %v", err)
	}

	authSvc, err := authn.New(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("critical error: failed to create authentication service: %v", err)
	}

	telemetry.InitializeBot(cfg.TelegramBotToken, cfg.TelegramChatID)

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.SuccessThreshold = cfg.BreakerSuccessThreshold
	breakerCfg.Timeout = cfg.BreakerTimeout
	breakerCfg.MonitorWindow = cfg.BreakerMonitorWindow
	breakerCfg.OnStateChange = func(key string, from, to resilience.State) {
		telemetry.NotifyBreakerStateChange(key, from.String(), to.String())
	}
	breakers := resilience.NewBreakerRegistry(breakerCfg)

	retryPolicy := resilience.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		JitterFactor: cfg.RetryJitterFactor,
	}
	factory := provider.NewFactory(breakers, retryPolicy)
	factory.Register("openai", openai.New)
	factory.Register("anthropic", anthropic.New)

	providerConfigs := make(map[string]config.ProviderConfig, len(cfg.Providers))
	defaultKind := ""
	for _, pc := range cfg.Providers {
		providerConfigs[pc.Kind] = pc
		if defaultKind == "" {
			defaultKind = pc.Kind
		}
	}
	if defaultKind == "" {
		log.Println("warning: no provider credentials configured; message:send will fail until one is set")
	}

	// Manager and Bridge are mutually referential: the bridge broadcasts
	// through the manager, and the manager dispatches message:send through
	// the bridge. Build the manager first with no bridge, then wire it in.
	hubManager := hub.NewManager(hub.Config{
		RateLimitMessages: cfg.RateLimitMessages,
		RateLimitWindow:   cfg.RateLimitWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TypingExpiry:      cfg.TypingExpiry,
		TypingSpamWindow:  cfg.TypingSpamWindow,
		WriteWait:         cfg.ConnWriteWait,
		MaxMessageSize:    cfg.MaxInboundMessageSize,
		AllowedOrigins:    handlers.AllowedOriginChecker(cfg.CORSAllowedOrigins),
	}, authSvc, nil)

	chatBridge := bridge.New(db, factory, hubManager, bridge.Config{
		HistoryLimit:     cfg.HistoryLimit,
		SendTimeout:      cfg.SendTimeout,
		StreamTimeout:    cfg.StreamTimeout,
		APIEncryptionKey: cfg.APIEncryptionKey,
	}, providerConfigs, defaultKind)
	hubManager.SetBridge(chatBridge)

	// --- Background goroutines ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Router and server setup ---
	router := setupRouter(cfg, authSvc, db, hubManager, attachmentSvc)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	go func() {
		log.Printf("server is ready for connections and listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("shutdown signal received, starting graceful shutdown")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	hubManager.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("error during graceful server shutdown: %v", err)
	}

	log.Println("exiting")
}

// setupRouter initializes all handlers and registers all API routes.
func setupRouter(cfg *config.AppConfig, authSvc *authn.Service, db *postgres.Store, hubManager *hub.Manager, attachmentSvc *attachments.Service) *chi.Mux {
	authHandler := &handlers.AuthHandler{Users: db, AuthService: authSvc, GoogleClientID: cfg.GoogleClientID}
	healthHandler := &handlers.HealthHandler{Hub: hubManager}
	attachmentHandler := &handlers.AttachmentHandler{Service: attachmentSvc}
	credentialHandler := &handlers.CredentialHandler{Credentials: db, EncryptionKey: cfg.APIEncryptionKey}

	r := chi.NewRouter()

	// --- Middleware stack ---
	setupCORS(r, cfg)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer, CoopMiddleware)

	// --- Route registration ---
	r.Get("/healthz", healthHandler.Healthz)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/google", authHandler.GoogleLogin)
		r.Post("/refresh", authHandler.Refresh)
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authHandler.AuthMiddleware)
			r.Get("/me", authHandler.Me)
			r.Put("/credentials", credentialHandler.Put)
			r.Post("/messages/{messageID}/attachments", attachmentHandler.Upload)
			r.Get("/attachments/*", attachmentHandler.Download)
		})
	})

	// The socket itself authenticates via its first `auth` frame, not HTTP
	// middleware, so /ws carries no AuthMiddleware.
	r.Get("/ws", hubManager.ServeWS)

	return r
}

// --- Middleware configuration ---

func setupCORS(r *chi.Mux, cfg *config.AppConfig) {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           300,
	}).Handler)
}

func CoopMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		w.Header().Set("Cross-Origin-Embedder-Policy", "unsafe-none")
		next.ServeHTTP(w, r)
	})
}
