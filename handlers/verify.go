package handlers

import (
	"world-arena-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupVerifyRoutes(app *fiber.App, verifyService *services.VerifyService) {
	api := app.Group("/api")

	api.Post("/verify", verifyService.VerifyIdentity)
	api.Get("/session", verifyService.SessionInfo)
	api.Post("/wallet", verifyService.AttachWallet)
}
