package ingestion

import (
	"errors"
	"io"
	"net/http"
	"time"

	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"
	"pledgerun/pkg/minio"
	"pledgerun/services/ledger"
	"pledgerun/services/settlement"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc         *Service
	resolver    ActivityResolver
	verifier    *Verifier
	archiver    minio.Archiver
	verifyToken string
}

type createActivityRequest struct {
	OwnerRef           string          `json:"ownerRef" binding:"required"`
	Distance           decimal.Decimal `json:"distance"`
	Source             string          `json:"source" binding:"required"`
	ExternalActivityID string          `json:"externalActivityId" binding:"required"`
	ActivityDate       *time.Time      `json:"activityDate"`
}

type activityResponse struct {
	Activity *ledger.Activity    `json:"activity"`
	Payouts  []settlement.Result `json:"payouts"`
	Summary  settlement.Summary  `json:"summary"`
}

func RegisterRoutes(r *gin.Engine, authz *middleware.Authorizer, h *Handler) {
	r.GET("/webhooks/strava", h.Handshake)
	r.POST("/webhooks/strava", h.Webhook)

	operator := r.Group("/", authz.Require())
	operator.POST("/activities", h.Create)
}

func (h *Handler) Handshake(c *gin.Context) {
	hs := ParseHandshake(c.Query)
	if !hs.Valid(h.verifyToken) {
		zap.L().Warn("webhook.handshake.rejected", zap.String("mode", hs.Mode))
		_ = c.Error(errutil.Forbidden("webhook verification failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge-echo": hs.Challenge,
		"hub.challenge":  hs.Challenge,
	})
}

func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			zap.L().Warn("webhook.body.too_large", zap.Int64("limit", tooLarge.Limit))
			_ = c.Error(errutil.PayloadTooLarge("webhook body exceeds limit", err))
			return
		}
		_ = c.Error(errutil.BadRequest("failed to read webhook body", err))
		return
	}

	if err := h.verifier.Verify(c.GetHeader(h.verifier.Header()), body); err != nil {
		zap.L().Warn("webhook.signature.rejected", zap.Error(err))
		_ = c.Error(errutil.Unauthorized("invalid webhook signature", err))
		return
	}

	if object, err := h.archiver.Archive(ctx, "strava", c.GetString(middleware.RequestIDKey), body); err != nil {
		zap.L().Warn("failed to archive webhook payload", zap.Error(err))
	} else if object != "" {
		zap.L().Debug("webhook payload archived", zap.String("object", object))
	}

	var event WebhookEvent
	if err := binding.JSON.BindBody(body, &event); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	zapLog := zap.L().With(
		zap.String("object_type", event.ObjectType),
		zap.Int64("object_id", event.ObjectID),
		zap.String("aspect_type", event.AspectType),
		zap.Int64("owner_id", event.OwnerID),
	)
	zapLog.Info("webhook.received")

	if !event.IsActivity() {
		c.JSON(http.StatusOK, gin.H{"message": "Ignored non-activity event"})
		return
	}
	if !event.IsCreateOrUpdate() {
		c.JSON(http.StatusOK, gin.H{"message": "Ignored non-create/update event"})
		return
	}

	cmd, err := h.resolver.Resolve(ctx, event)
	if err != nil {
		if errors.Is(err, ErrUnknownAthlete) {
			zapLog.Info("webhook.athlete.unknown")
			c.JSON(http.StatusOK, gin.H{"message": "Ignored event for unknown athlete"})
			return
		}
		zapLog.Error("failed to resolve activity", zap.Error(err))
		_ = c.Error(errutil.BadGateway("failed to resolve activity", err))
		return
	}
	cmd.RawPayload = body

	activity, results, err := h.svc.RecordActivity(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrActivityAlreadyRecorded) {
			resp := gin.H{"message": "activity already processed"}
			if activity != nil {
				resp["activityId"] = activity.ID
			}
			c.JSON(http.StatusOK, resp)
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Webhook processed successfully",
		"activityId": activity.ID,
		"summary":    settlement.Summarize(results),
	})
}

func (h *Handler) Create(c *gin.Context) {
	var req createActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromValidation(err))
		return
	}

	cmd := RecordActivityCommand{
		OwnerRef:   req.OwnerRef,
		Distance:   req.Distance,
		Source:     req.Source,
		ExternalID: req.ExternalActivityID,
	}
	if req.ActivityDate != nil {
		cmd.ActivityDate = *req.ActivityDate
	}

	activity, results, err := h.svc.RecordActivity(c.Request.Context(), cmd)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if results == nil {
		results = []settlement.Result{}
	}
	c.JSON(http.StatusCreated, activityResponse{
		Activity: activity,
		Payouts:  results,
		Summary:  settlement.Summarize(results),
	})
}
