package handlers

import (
	"net/http"
	"strconv"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/services"

	"github.com/gin-gonic/gin"
)

type RoundHandler struct {
	rounds *services.RoundService
}

func NewRoundHandler(rounds *services.RoundService) *RoundHandler {
	return &RoundHandler{rounds: rounds}
}

// GetCurrentRound returns the open round with pool percentages
// GET /api/rounds/current
func (h *RoundHandler) GetCurrentRound(c *gin.Context) {
	round, err := h.rounds.CurrentRound(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round.Summarize(h.rounds.Now()))
}

// GetRound retrieves a round by ID
// GET /api/rounds/:id
func (h *RoundHandler) GetRound(c *gin.Context) {
	roundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roundID <= 0 {
		badRequest(c, "invalid round id")
		return
	}

	round, err := h.rounds.GetRound(c.Request.Context(), roundID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round.Summarize(h.rounds.Now()))
}

// ListRounds returns rounds newest first
// GET /api/rounds?limit=20&offset=0
func (h *RoundHandler) ListRounds(c *gin.Context) {
	limit, offset := pagination(c)

	rounds, total, err := h.rounds.ListRounds(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	now := h.rounds.Now()
	summaries := make([]models.RoundSummary, 0, len(rounds))
	for _, r := range rounds {
		summaries = append(summaries, r.Summarize(now))
	}

	c.JSON(http.StatusOK, gin.H{
		"rounds": summaries,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
