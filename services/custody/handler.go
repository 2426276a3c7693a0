package custody

import (
	"net/http"

	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	escrow *Escrow
}

func NewHandler(escrow *Escrow) *Handler {
	return &Handler{escrow: escrow}
}

type fundingRequest struct {
	FromAddress string          `json:"fromAddress" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	TxReference string          `json:"txReference" binding:"required"`
}

func RegisterRoutes(r *gin.Engine, authz *middleware.Authorizer, h *Handler) {
	operator := r.Group("/", authz.Require())
	operator.POST("/escrow/monitor", h.Reconcile)
	operator.GET("/escrow/monitor", h.ListPending)
	operator.PUT("/pledges/:id/funding", h.RegisterFunding)
}

func (h *Handler) Reconcile(c *gin.Context) {
	summary, err := h.escrow.ReconcilePending(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListPending(c *gin.Context) {
	pending, err := h.escrow.ListPending(c.Request.Context(), c.Query("pledgeId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pending})
}

func (h *Handler) RegisterFunding(c *gin.Context) {
	var req fundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}
	if !req.Amount.IsPositive() {
		_ = c.Error(errutil.ValidationFailed("amount must be greater than zero", nil))
		return
	}

	tx, err := h.escrow.RecordIncomingTransfer(c.Request.Context(), c.Param("id"), req.FromAddress, req.Amount, req.TxReference)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}
