package campaign

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
	r.GET("/campaigns", h.List)
	r.GET("/campaigns/:id", h.Get)

	operator := r.Group("/", authz.Require())
	operator.POST("/campaigns", h.Create)
	operator.PATCH("/campaigns/:id/status", h.UpdateStatus)
	operator.DELETE("/campaigns/:id", h.Delete)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateCampaignCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	view, err := h.svc.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) Get(c *gin.Context) {
	view, err := h.svc.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) List(c *gin.Context) {
	var q ListCampaignsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	views, info, err := h.svc.ListCampaigns(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": info})
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	view, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.DeleteCampaign(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
