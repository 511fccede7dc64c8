package handlers

import (
	"errors"
	"net/http"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PredictionHandler struct {
	stakes *services.StakeService
}

func NewPredictionHandler(stakes *services.StakeService) *PredictionHandler {
	return &PredictionHandler{stakes: stakes}
}

func predictionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid prediction id")
		return uuid.Nil, false
	}
	return id, true
}

// SubmitPrediction records a stake in the open round
// POST /api/predictions
func (h *PredictionHandler) SubmitPrediction(c *gin.Context) {
	var req models.SubmitPredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	stake, err := h.stakes.SubmitStake(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stake)
}

// GetPrediction retrieves a stake by ID
// GET /api/predictions/:id
func (h *PredictionHandler) GetPrediction(c *gin.Context) {
	id, ok := predictionID(c)
	if !ok {
		return
	}

	stake, err := h.stakes.GetStake(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

// ConfirmPrediction verifies the funding transaction of a pending stake
// POST /api/predictions/:id/confirm
func (h *PredictionHandler) ConfirmPrediction(c *gin.Context) {
	id, ok := predictionID(c)
	if !ok {
		return
	}

	var req models.ConfirmPredictionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	stake, err := h.stakes.Confirm(c.Request.Context(), id, req.BlockNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

// ClaimPrediction pays out a claimable stake
// POST /api/predictions/:id/claim
func (h *PredictionHandler) ClaimPrediction(c *gin.Context) {
	id, ok := predictionID(c)
	if !ok {
		return
	}

	stake, err := h.stakes.Claim(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

// EmergencyWithdraw returns a stake minus the penalty from an unresolved round
// POST /api/predictions/:id/emergency-withdraw
func (h *PredictionHandler) EmergencyWithdraw(c *gin.Context) {
	id, ok := predictionID(c)
	if !ok {
		return
	}

	receipt, err := h.stakes.EmergencyWithdraw(c.Request.Context(), id)
	if err != nil {
		// The withdrawal is recorded; only the transfer is outstanding.
		var le *services.LedgerError
		if receipt != nil && errors.As(err, &le) &&
			(errors.Is(err, services.ErrCustodyUnavailable) || errors.Is(err, services.ErrTransferPending)) {
			_ = c.Error(err)
			c.JSON(http.StatusAccepted, gin.H{
				"receipt": receipt,
				"error":   le.Message,
				"code":    le.Code,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}
