package handlers

import (
	"world-arena-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPaymentRoutes(app *fiber.App, paymentService *services.PaymentService) {
	api := app.Group("/api")

	api.Post("/initiate-payment", paymentService.InitiatePayment)
	api.Post("/confirm-payment", paymentService.ConfirmPayment)
	api.Get("/payment/:reference", paymentService.GetPaymentStatus)
}
