package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/api"
	"github.com/imamfahrudin/ai-api-middleware/internal/config"
	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/cache"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/database"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/livelog"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/metrics"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/middleware"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/proxy"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/scheduler"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

const (
	adminPrefix     = "/middleware"
	adminTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Proxy represents a middleware server instance.
type Proxy struct {
	config    *config.Config
	app       *fiber.App
	redis     *redis.Client
	db        *database.DB
	cache     cache.Cache
	store     *keystore.Store
	activity  *livelog.Log
	metrics   *metrics.Metrics
	scheduler *scheduler.HealScheduler
}

// NewProxy creates a new Proxy instance with the given configuration.
// The cfg parameter is required and must not be nil.
func NewProxy(cfg *config.Config) *Proxy {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() or config.Default() to create config")
	}

	return &Proxy{config: cfg}
}

// Init connects the infrastructure, seeds the store and registers every route.
// It does not start listening.
func (p *Proxy) Init(ctx context.Context) error {
	if err := p.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(p.config)

	p.app = createFiberApp(p.config)

	if err := p.initializeInfrastructure(); err != nil {
		return err
	}

	if err := p.initializeServices(ctx); err != nil {
		return err
	}

	setupMiddleware(p.app, p.config)

	if err := p.setupRoutes(); err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}
	return nil
}

// OpenStore connects the database and prepares the credential store without
// building the HTTP app. Used by the offline key commands.
func (p *Proxy) OpenStore(ctx context.Context) (*keystore.Store, error) {
	setupLogLevel(p.config)

	if err := p.initializeInfrastructure(); err != nil {
		return nil, err
	}
	if err := p.initializeServices(ctx); err != nil {
		return nil, err
	}
	return p.store, nil
}

// App returns the configured fiber app. Only valid after Init.
func (p *Proxy) App() *fiber.App {
	return p.app
}

// Store returns the credential store. Only valid after Init.
func (p *Proxy) Store() *keystore.Store {
	return p.store
}

// Close releases the database and redis connections.
func (p *Proxy) Close() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			fiberlog.Errorf("Failed to close Redis client: %v", err)
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}
}

// Run starts the proxy server and blocks until shutdown.
func (p *Proxy) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Init(ctx); err != nil {
		p.Close()
		return err
	}
	defer p.Close()

	if p.config.Scheduler.HealInterval > 0 {
		p.scheduler = scheduler.NewHealScheduler(p.store, p.config.Scheduler.HealInterval)
		go p.scheduler.Start(ctx)
	}

	listenAddr := ":" + p.config.Server.Port

	fmt.Printf("AI API Middleware starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", p.config.Server.Environment)
	fmt.Printf("   Upstream: %s\n", p.config.Upstream.BaseURL)
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := p.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	fiberlog.Info("Server shutting down gracefully...")
	if err := p.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	fiberlog.Info("Server shutdown completed successfully")
	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:               "AI API Middleware",
		EnablePrintRoutes:     false,
		DisableStartupMessage: isProd,
		ReadTimeout:           2 * time.Minute,
		IdleTimeout:           5 * time.Minute,
		ReadBufferSize:        16384,
		WriteBufferSize:       8192,
		BodyLimit:             32 * 1024 * 1024,
		CaseSensitive:         true,
		StrictRouting:         false,
		Network:               "tcp",
		ServerHeader:          "ai-api-middleware",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	allowedHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "User-Agent",
		"X-Goog-Api-Key", "X-Goog-Api-Client", "X-Request-ID",
		"X-Stainless-Arch", "X-Stainless-OS", "X-Stainless-Runtime",
		"X-Stainless-Runtime-Version", "X-Stainless-Package-Version",
		"X-Stainless-Lang", "X-Stainless-Retry-Count", "X-Stainless-Timeout",
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     strings.Join(allowedHeaders, ", "),
		AllowMethods:     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		AllowCredentials: cfg.Server.AllowedOrigins != "*",
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
	}))

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Backend() == models.CacheBackendMemory {
		fiberlog.Info("Redis not configured - using in-process cache")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3

	client := redis.NewClient(opt)
	return testRedisConnectionWithRetry(client)
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func (p *Proxy) initializeInfrastructure() error {
	redisClient, err := createRedisClient(p.config)
	if err != nil {
		return fmt.Errorf("failed to create Redis client: %w", err)
	}
	p.redis = redisClient

	db, err := database.New(p.config.Database)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	p.db = db
	fiberlog.Infof("Database (%s) initialized successfully", db.DriverName())

	return nil
}

func (p *Proxy) initializeServices(ctx context.Context) error {
	p.cache = cache.New(p.redis, p.config.Redis)

	p.store = keystore.New(p.db.DB,
		keystore.WithCache(p.cache),
		keystore.WithSettingsTTL(p.config.Settings.CacheTTL),
	)
	if err := p.store.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := p.store.SeedSettings(ctx); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	if seeded, err := p.store.SeedFromEnv(ctx, p.config.SeedSecrets()); err != nil {
		return fmt.Errorf("failed to seed keys: %w", err)
	} else if seeded > 0 {
		fiberlog.Infof("Seeded %d keys from %s", seeded, p.config.Seed.EnvVar)
	}

	p.activity = livelog.New(livelog.DefaultSize)
	p.metrics = metrics.New(p.store)
	return nil
}

func (p *Proxy) setupRoutes() error {
	sessions, err := middleware.NewSessionMiddleware(p.config.Auth)
	if err != nil {
		return err
	}

	orchestrator := proxy.NewOrchestrator(p.store, p.config.Upstream.BaseURL,
		proxy.WithCache(p.cache),
		proxy.WithMetrics(p.metrics),
		proxy.WithActivityLog(p.activity),
	)

	healthHandler := api.NewHealthHandler(p.store, p.redis)
	p.app.Get("/health", healthHandler.HealthCheck)

	admin := p.app.Group(adminPrefix, compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}), withTimeout(adminTimeout))

	api.NewAuthHandler(sessions, p.config.IsProduction()).RegisterRoutes(admin)
	admin.Get("/metrics", adaptor.HTTPHandler(p.metrics.Handler()))

	adminAPI := admin.Group("/api", sessions.RequireSession())
	api.NewKeyHandler(p.store).RegisterRoutes(adminAPI)
	api.NewStatsHandler(p.store, p.activity).RegisterRoutes(adminAPI)
	api.NewSettingsHandler(p.store).RegisterRoutes(adminAPI)

	// The catch-all goes last.
	api.NewProxyHandler(orchestrator, p.store).RegisterRoutes(p.app)
	return nil
}

// withTimeout bounds admin requests; proxy requests carry per-attempt deadlines instead.
func withTimeout(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)

		return c.Next()
	}
}
