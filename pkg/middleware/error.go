package middleware

import (
	"context"
	"errors"
	"net/http"

	"pledgerun/pkg/errutil"
	"pledgerun/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error. BaseError values keep their code,
// anything else is logged and answered with a generic 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		if errors.Is(last.Err, context.DeadlineExceeded) {
			be = errutil.BaseError{Code: errutil.StatusGatewayTimeout, Message: "request timed out"}
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, be.JSON())
			return
		}

		logger.FromContext(c.Request.Context()).Error("unhandled error",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.Error(last.Err),
		)
		be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal server error"}
		c.AbortWithStatusJSON(http.StatusInternalServerError, be.JSON())
	}
}
