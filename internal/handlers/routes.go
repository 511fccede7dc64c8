package handlers

import (
	"github.com/gin-gonic/gin"
)

// Set bundles the API handlers for route registration.
type Set struct {
	Price      *PriceHandler
	Round      *RoundHandler
	Prediction *PredictionHandler
	User       *UserHandler
	Health     *HealthHandler
}

// RegisterRoutes mounts the public API on router.
func RegisterRoutes(router gin.IRouter, h Set) {
	router.GET("/health", h.Health.Health)
	router.GET("/health/custody", h.Health.Custody)

	api := router.Group("/api")
	{
		api.GET("/price/current", h.Price.GetCurrentPrice)
		api.GET("/price/history", h.Price.GetPriceHistory)

		api.GET("/rounds", h.Round.ListRounds)
		api.GET("/rounds/current", h.Round.GetCurrentRound)
		api.GET("/rounds/:id", h.Round.GetRound)

		api.POST("/predictions", h.Prediction.SubmitPrediction)
		api.GET("/predictions/:id", h.Prediction.GetPrediction)
		api.POST("/predictions/:id/confirm", h.Prediction.ConfirmPrediction)
		api.POST("/predictions/:id/claim", h.Prediction.ClaimPrediction)
		api.POST("/predictions/:id/emergency-withdraw", h.Prediction.EmergencyWithdraw)

		userRoutes := api.Group("/user")
		{
			userRoutes.GET("/:address", h.User.GetUser)
			userRoutes.GET("/:address/predictions", h.User.GetUserPredictions)
			userRoutes.GET("/:address/balance", h.User.GetBalance)
		}

		api.GET("/leaderboard", h.User.GetLeaderboard)
	}
}
