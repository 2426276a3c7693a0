package settlement

import (
	"errors"
	"net/http"

	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"
	"pledgerun/services/ledger"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func RegisterRoutes(r *gin.Engine, authz *middleware.Authorizer, h *Handler) {
	operator := r.Group("/", authz.Require())
	operator.POST("/payouts/repair", h.Repair)
	operator.GET("/pledges/:id/payouts/verify", h.VerifyChain)
}

func (h *Handler) Repair(c *gin.Context) {
	summary, err := h.engine.RepairTimedOutPayouts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	pledgeID := c.Param("id")
	valid, err := h.engine.VerifyPayoutChain(c.Request.Context(), pledgeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			_ = c.Error(errutil.NotFound("pledge not found", nil))
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pledgeId": pledgeID, "valid": valid})
}
