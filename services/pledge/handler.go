package pledge

import (
	"net/http"

	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, authz *middleware.Authorizer, h *Handler) {
	r.GET("/pledges", h.List)
	r.GET("/pledges/:id", h.Get)

	operator := r.Group("/", authz.Require())
	operator.POST("/pledges", h.Create)
	operator.PUT("/owners/:ownerRef/wallet", h.SetWallet)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreatePledgeCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	view, err := h.svc.CreatePledge(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) Get(c *gin.Context) {
	view, err := h.svc.GetPledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) List(c *gin.Context) {
	var q ListPledgesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	views, info, err := h.svc.ListPledges(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

func (h *Handler) SetWallet(c *gin.Context) {
	var req SetWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	w, err := h.svc.SetWallet(c.Request.Context(), c.Param("ownerRef"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}
