package handlers

import (
	"world-arena-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTournamentRoutes(app *fiber.App, tournamentService *services.TournamentService) {
	api := app.Group("/api")

	api.Get("/tournaments", tournamentService.GetAllTournaments)
	api.Get("/tournaments/:id", tournamentService.GetTournamentByID)
	api.Get("/tournaments/:id/leaderboard", tournamentService.GetLeaderboard)
	api.Post("/tournaments/:id/join", tournamentService.JoinTournament)
	api.Post("/tournaments/:id/score", tournamentService.SubmitScore)
	api.Post("/tournaments/:id/finalize", tournamentService.FinalizeTournament)

	api.Get("/progress", tournamentService.GetProgress)
	api.Post("/progress", tournamentService.SaveProgress)
}
