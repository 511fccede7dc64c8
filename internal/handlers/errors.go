package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"prediction-rounds/internal/services"

	"github.com/gin-gonic/gin"
)

func statusForKind(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindStateConflict:
		return http.StatusConflict
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error","kind","code"}. Errors that are not
// ledger errors are reported as a bare 500.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var le *services.LedgerError
	if !errors.As(err, &le) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(statusForKind(le.Kind), gin.H{
		"error": le.Message,
		"kind":  le.Kind,
		"code":  le.Code,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"kind":  services.KindValidation,
		"code":  "InvalidRequest",
	})
}

// pagination reads limit/offset, falling back to defaults on bad input
func pagination(c *gin.Context) (limit, offset int) {
	limit = 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
