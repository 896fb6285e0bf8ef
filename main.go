package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"world-arena-backend/audit"
	"world-arena-backend/config"
	"world-arena-backend/database"
	"world-arena-backend/handlers"
	"world-arena-backend/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration: ", err)
	}

	auditLog, err := audit.New(cfg.AuditLogPath)
	if err != nil {
		log.Fatal("failed to open audit log: ", err)
	}

	db, err := database.Open(cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open database: ", err)
	}

	lock := database.NewAdvisoryLock(cfg.LockStaleAfter, cfg.LockMaxAttempts, auditLog)

	verifier := services.NewWorldIDVerifier(cfg.VerifierURL, cfg.WorldAppID)
	processor := services.NewDevPortalClient(cfg.DevPortalURL, cfg.WorldAppID, cfg.WorldAPIKey, auditLog)

	verifyService := services.NewVerifyService(db, lock, verifier, auditLog, cfg.SessionTTL)
	paymentService := services.NewPaymentService(db, lock, verifyService, processor, auditLog)
	tournamentService := services.NewTournamentService(db, lock, verifyService, auditLog)

	if err := tournamentService.SeedDefaultTournaments(); err != nil {
		log.Fatal("failed to seed tournaments: ", err)
	}

	app := fiber.New(fiber.Config{
		AppName: "world-arena-backend",
	})

	// Allowed origins come from the environment as a comma-separated list.
	allowedOriginsList := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(allowedOriginsList, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Session-Token",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupVerifyRoutes(app, verifyService)
	handlers.SetupPaymentRoutes(app, paymentService)
	handlers.SetupTournamentRoutes(app, tournamentService)

	verifyService.StartMaintenance()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Println("✅ Session purge job running (every 10m)")
	log.Printf("✅ CORS configured for origins: %s", cfg.AllowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
