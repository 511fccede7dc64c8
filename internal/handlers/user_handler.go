package handlers

import (
	"net/http"
	"strconv"

	"prediction-rounds/internal/services"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	users  *services.UserService
	stakes *services.StakeService
}

func NewUserHandler(users *services.UserService, stakes *services.StakeService) *UserHandler {
	return &UserHandler{users: users, stakes: stakes}
}

// GetUser returns a wallet's statistics
// GET /api/user/:address
func (h *UserHandler) GetUser(c *gin.Context) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// GetUserPredictions returns a wallet's stakes, newest first
// GET /api/user/:address/predictions?limit=20&offset=0
func (h *UserHandler) GetUserPredictions(c *gin.Context) {
	limit, offset := pagination(c)

	stakes, total, err := h.stakes.GetUserStakes(c.Request.Context(), c.Param("address"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"predictions": stakes,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetBalance returns the wallet's token balance and ledger exposure
// GET /api/user/:address/balance
func (h *UserHandler) GetBalance(c *gin.Context) {
	balance, err := h.users.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetLeaderboard ranks wallets by total winnings
// GET /api/leaderboard?limit=10
func (h *UserHandler) GetLeaderboard(c *gin.Context) {
	limit := 10
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.users.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
