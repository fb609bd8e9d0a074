package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"achievement-sync-service/config"
	"achievement-sync-service/handlers"
	"achievement-sync-service/middleware"
	"achievement-sync-service/models"
	"achievement-sync-service/services"
	"achievement-sync-service/utils"
	"achievement-sync-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	if cfg.Gateway.ServiceToken == "" {
		log.Fatal("❌ GAME_SERVICE_TOKEN is not set — service cannot authenticate Gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.ProgressCounters{},
		&models.AchievementProgress{},
		&models.UserAchievementSummary{},
		&models.Review{},
		&models.ChatMessage{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	clock := clockwork.NewRealClock()
	catalog := models.DefaultCatalog()
	ach := cfg.Achievements

	// Authoritative sources
	reviews := services.NewReviewTableSource(db)
	messages := services.MessageSources{services.NewChatTableSource(db)}
	if cfg.Chat.ServiceURL != "" {
		messages = append(messages, workers.NewChatServiceClient(cfg.Chat.ServiceURL, cfg.Gateway.ServiceToken))
	}

	store := services.NewProgressStore(db, reviews, messages, clock)
	store.IntegrityWindow = ach.IntegrityWindow
	store.ScanLimit = ach.ScanLimit

	evaluator := services.NewAchievementEvaluator(db, catalog, clock)
	evaluator.HistoryLimit = ach.HistoryLimit

	facade := services.NewSyncFacade(
		store,
		evaluator,
		services.NewSummaryAggregator(db, catalog, clock),
		services.NewCacheGovernor(clock, ach.CacheTTL),
		services.NewAppTimeThrottle(clock, ach.AppTimeFlushInterval),
		clock,
	)

	var exporter *services.SnapshotExporter
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		exporter = services.NewSnapshotExporter(r2, cfg.R2.Bucket, utils.CDNBase(cfg.R2), facade, clock)
	} else {
		log.Println("⚠️  R2 not configured, snapshot export disabled")
	}

	scheduler := services.NewScheduler(facade, ach.ReconcileInterval, ach.ReconcileBatch, ach.AppTimeFlushInterval, clock)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	app := fiber.New(fiber.Config{
		IdleTimeout: 2 * time.Minute,
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed, except the SSE stream which
	// authenticates end-user tokens itself
	app.Use(middleware.GatewayAuthMiddleware(cfg.Gateway.ServiceToken, "/user/achievements/stream"))

	allowedOrigins := strings.Split(cfg.Gateway.AllowedOrigins, ",")
	for i, origin := range allowedOrigins {
		allowedOrigins[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOrigins, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Accept-Language, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	var authClient middleware.TokenValidator
	if cfg.Auth.ServiceURL != "" {
		authClient = services.NewAuthServiceClient(cfg.Auth.ServiceURL, cfg.Gateway.ServiceToken)
	} else {
		log.Println("⚠️  AUTH_SERVICE_URL not set, SSE stream disabled")
	}

	handlers.SetupAchievementRoutes(app, handlers.NewAchievementHandler(facade, exporter, ach.Locale), authClient)

	go func() {
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Server.Port)
	log.Printf("✅ Catalog loaded: %d achievements", catalog.Len())
	log.Printf("✅ Message sources: %s", messages)
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := scheduler.Stop(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
