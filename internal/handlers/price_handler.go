package handlers

import (
	"net/http"
	"strconv"

	"prediction-rounds/internal/services"

	"github.com/gin-gonic/gin"
)

type PriceHandler struct {
	prices *services.PriceService
}

func NewPriceHandler(prices *services.PriceService) *PriceHandler {
	return &PriceHandler{prices: prices}
}

// GetCurrentPrice returns the cached reference price
// GET /api/price/current
func (h *PriceHandler) GetCurrentPrice(c *gin.Context) {
	sample, err := h.prices.GetCurrentPrice(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// GetPriceHistory returns samples from the last N hours, oldest first
// GET /api/price/history?hours=24
func (h *PriceHandler) GetPriceHistory(c *gin.Context) {
	hours := 24
	if hoursStr := c.Query("hours"); hoursStr != "" {
		n, err := strconv.Atoi(hoursStr)
		if err != nil {
			badRequest(c, "hours must be an integer")
			return
		}
		hours = n
	}

	history, err := h.prices.GetPriceHistory(c.Request.Context(), hours)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hours":   hours,
		"samples": history,
	})
}
