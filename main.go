package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/joho/godotenv"
	omise "github.com/omise/omise-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/manualpay/manualpay-backend/engine"
	"github.com/manualpay/manualpay-backend/handlers"
	"github.com/manualpay/manualpay-backend/matching"
	"github.com/manualpay/manualpay-backend/models"
	"github.com/manualpay/manualpay-backend/store"
)

func main() {
	_ = godotenv.Load()

	// Database connection
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)

	// TranslateError is required: the store relies on gorm.ErrDuplicatedKey
	// to detect unique-constraint violations.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(&models.Transaction{}, &models.AuditLog{}, &models.Order{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Matching options are parsed once here and passed explicitly into the
	// engine on every call; the core never reads the environment.
	mode, err := matching.ParseMode(getenv("AUTO_VERIFY_MODE", "strict"))
	if err != nil {
		log.Fatal("Invalid AUTO_VERIFY_MODE:", err)
	}
	opts := engine.Options{
		Mode:            mode,
		TimeWindowHours: getenvUint("TIME_WINDOW_HOURS", 72),
		AutoComplete:    getenvBool("AUTO_COMPLETE", true),
		MaskPayer:       getenvBool("MASK_PAYER", true),
	}

	txStore := store.NewTransactionStore(db)
	auditStore := store.NewAuditStore(db)
	orders := store.NewOrderGateway(db)
	eng := engine.New(txStore, auditStore, orders)

	settings := handlers.Settings{
		VerifyKey: os.Getenv("VERIFY_KEY"),
		Options:   opts,
	}
	paymentHandler := handlers.NewPaymentHandler(eng, txStore, auditStore, orders, settings)

	// Omise adapter is optional; without keys only the generic notify
	// endpoint is served.
	var omiseHandler *handlers.OmiseWebhookHandler
	if publicKey, secretKey := os.Getenv("OMISE_PUBLIC_KEY"), os.Getenv("OMISE_SECRET_KEY"); publicKey != "" && secretKey != "" {
		client, err := omise.NewClient(publicKey, secretKey)
		if err != nil {
			log.Fatal("Failed to create Omise client:", err)
		}
		omiseHandler = handlers.NewOmiseWebhookHandler(client, eng, opts)
	}

	app := fiber.New()

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		AllowHeaders: "Content-Type, Authorization, X-Verify-Key, X-Actor",
	}))

	// Routes
	app.Get("/health", paymentHandler.Health)

	api := app.Group("/api/v1")
	api.Post("/notify", paymentHandler.Notify)
	api.Get("/transactions", paymentHandler.ListTransactions)
	api.Get("/transactions/:id", paymentHandler.GetTransaction)
	api.Get("/audit", paymentHandler.ListAudit)
	api.Post("/orders/:id/pay", paymentHandler.PayOrder)

	admin := app.Group("/admin")
	admin.Post("/transactions/:id/link", paymentHandler.LinkTransaction)
	admin.Post("/transactions/:id/mark-used", paymentHandler.MarkUsed)
	admin.Post("/transactions/:id/reject", paymentHandler.RejectTransaction)
	admin.Post("/transactions/:id/unlink", paymentHandler.UnlinkTransaction)

	if omiseHandler != nil {
		app.Post("/webhooks/omise", omiseHandler.HandleWebhook)
	}

	addr := ":" + getenv("PORT", "8080")
	fmt.Println("Server running on http://localhost" + addr)
	log.Fatal(app.Listen(addr))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvUint(key string, fallback uint) uint {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(n)
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
