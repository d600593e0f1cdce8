package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sentepay/backend/docs"
	"github.com/sentepay/backend/internal/clients"
	"github.com/sentepay/backend/internal/config"
	"github.com/sentepay/backend/internal/database"
	mW "github.com/sentepay/backend/internal/middleware"
	"github.com/sentepay/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Sentepay Token Backend API
// @version 1.0
// @description Token purchase and reconciliation API for mobile money collections
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("collections.base_url", "COLLECTIONS_BASE_URL")
	viper.BindEnv("collections.api_key", "COLLECTIONS_API_KEY")
	viper.BindEnv("collections.timeout", "COLLECTIONS_TIMEOUT")
	viper.BindEnv("collections.webhook_secret", "COLLECTIONS_WEBHOOK_SECRET")
	viper.BindEnv("reconciliation.interval", "RECONCILIATION_INTERVAL")
	viper.BindEnv("reconciliation.lookback", "RECONCILIATION_LOOKBACK")
	viper.BindEnv("quota.default_monthly_limit", "QUOTA_DEFAULT_MONTHLY_LIMIT")
	viper.BindEnv("ratelimit.window", "RATELIMIT_WINDOW")
	viper.BindEnv("ratelimit.max", "RATELIMIT_MAX")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Sentepay Token Backend API"
	docs.SwaggerInfo.Description = "Token purchase and reconciliation API for mobile money collections"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	collectionsClient := clients.NewCollectionsClient(config.LoadCollectionsConfig())

	quotaService := services.NewQuotaService(db, config.LoadQuotaConfig())
	tokenService := services.NewTokenService(db, redisClient, quotaService)
	webhookService := services.NewWebhookService(db, tokenService)
	reconciliationService := services.NewReconciliationService(
		db, tokenService, webhookService, collectionsClient, config.LoadReconciliationConfig())

	rateLimiter := mW.NewRateLimiter(redisClient, config.LoadRateLimitConfig())

	// Background reconciliation scheduler
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go reconciliationService.Start(schedulerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Provider webhook ingress (authenticated by shared secret, not JWT)
	r.Post("/webhooks/collections", webhookService.HandleWebhook)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)
			r.Use(rateLimiter.Limit)

			r.Post("/tokens/purchase", tokenService.HandleInitiatePurchase)
			r.Get("/tokens/balance", tokenService.HandleGetBalance)
			r.Get("/tokens/quota", quotaService.HandleGetQuota)
			r.Get("/tokens/purchases", tokenService.HandleListPurchases)
			r.Get("/tokens/purchases/{uid}", tokenService.HandleGetPurchase)

			// Operator fix flows; completion is idempotent so a stray
			// retry here is harmless.
			r.Post("/tokens/purchase/{uid}/complete", tokenService.HandleCompletePurchase)
			r.Post("/tokens/purchase/{uid}/fail", tokenService.HandleFailPurchase)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
