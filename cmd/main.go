package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/database/mongo"
	"live-quiz-service/internal/database/redis"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/handlers"
	"live-quiz-service/internal/identity"
	"live-quiz-service/internal/permission"
	"live-quiz-service/internal/presence"
	"live-quiz-service/internal/repository"
	"live-quiz-service/internal/service"
	"live-quiz-service/pkg/discovery"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis_v9 "github.com/redis/go-redis/v9"
	mongo_v2 "go.mongodb.org/mongo-driver/v2/mongo"
)

func setupLogging(dir string) (*os.File, error) {
	if dir == "" {
		return nil, nil
	}
	logDir := filepath.Join(dir, "live_quiz_service")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	return file, nil
}

func main() {
	cfg := config.Load()

	logFile, err := setupLogging(cfg.Server.LogDir)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Store
	var store *repository.Store
	var mongoClient *mongo_v2.Client
	if cfg.MongoDB.URI != "" {
		client, database, err := mongo.Connect(cfg.MongoDB)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		mongoClient = client

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repository.CreateIndexes(ctx, database); err != nil {
			log.Printf("Warning: Failed to create database indexes: %v", err)
		} else {
			log.Println("Database indexes created successfully")
		}
		cancel()
		store = repository.NewMongoStore(database)
	} else {
		log.Println("MONGO_URI not set, keeping live sessions in memory")
		store = repository.NewMemoryStore().Store()
	}

	// Event bus
	var bus event.Bus
	if cfg.RabbitMQ.URI != "" {
		rabbit, err := event.NewRabbitBus(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		bus = rabbit
	} else {
		log.Println("RabbitMQ not configured, session events stay in process")
		bus = event.NewLocalBus()
	}

	// Presence leases
	var leases presence.LeaseStore
	var redisClient *redis_v9.Client
	if cfg.Redis.Address != "" {
		redisClient, err = redis.Connect(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		leases = presence.NewRedisLeases(redisClient)
	} else {
		log.Println("REDIS_ADDR not set, presence leases stay in process")
		leases = presence.NewMemoryLeases(nil)
	}

	liveService := service.NewLiveService(store, bus, permission.NewPolicyChecker(store.Participants), leases, service.Options{
		Countdown:        cfg.Live.Countdown,
		CoalesceWindow:   cfg.Live.CoalesceWindow,
		RetryBackoff:     cfg.Live.RetryBackoff,
		HeartbeatTimeout: cfg.Live.HeartbeatTimeout,
		FlushOnLeave:     cfg.Live.FlushOnLeave,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := liveService.Resume(ctx); err != nil {
		log.Printf("Warning: Failed to resume session timers: %v", err)
	}
	cancel()

	runCtx, stopWorkers := context.WithCancel(context.Background())
	go liveService.RunPresence(runCtx, cfg.Live.SweepInterval)

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "accept", "origin", "Cache-Control", "X-Requested-With", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.Server.ServiceName})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	liveHandler := handlers.NewLiveHandler(liveService)
	liveHandler.RegisterRoutes(r, identity.NewVerifier(cfg.Auth.JWTSecret).Middleware())

	var registry *discovery.ServiceRegistry
	if cfg.Consul.Address != "" {
		registry, err = discovery.NewServiceRegistry(cfg)
		if err != nil {
			log.Printf("Warning: Service discovery init failed: %v", err)
		} else if err := registry.Register(); err != nil {
			log.Printf("Warning: %v", err)
			registry = nil
		}
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Event streams stay open, so writes are unbounded unless configured.
		WriteTimeout: cfg.Server.WriteTimeout,
		// Canceling runCtx ends open event streams so Shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	shutdownChan := make(chan os.Signal, 1)
	doneChan := make(chan bool, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Error starting server: %v", err)
		}
		doneChan <- true
	}()

	<-shutdownChan
	log.Println("Shutting down server...")

	if registry != nil {
		if err := registry.Deregister(); err != nil {
			log.Printf("Error deregistering from service discovery: %v", err)
		}
	}

	stopWorkers()
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	liveService.Close()

	if err := bus.Close(); err != nil {
		log.Printf("Error closing event bus: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}
	mongo.Disconnect(mongoClient)

	<-doneChan
	log.Println("Server shutdown complete")
}
