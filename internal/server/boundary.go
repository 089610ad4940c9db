package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

const stackTraceBufferSize = 4096

// ErrorBoundary converts errors left in c.Errors, and panics raised further
// down the chain, into a JSON response {"message": ...}. Nothing is rendered
// when the response has already been written.
func ErrorBoundary(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("boundary")

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, stackTraceBufferSize)
				n := runtime.Stack(buf, false)
				logger.Error("Panic recovered",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
					zap.ByteString("stack", buf[:n]),
				)
				_ = c.Error(fmt.Errorf("panic: %v", r))
				c.Abort()
				render(c, logger)
			}
		}()

		c.Next()
		render(c, logger)
	}
}

func render(c *gin.Context, logger *zap.Logger) {
	if len(c.Errors) == 0 || c.Writer.Written() {
		return
	}

	err := c.Errors.Last().Err
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	} else {
		logger.Debug("Request rejected",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	c.AbortWithStatusJSON(status, httperror.Body{Message: message})
}

// classify maps err to a status and a message that is safe to show the
// client
func classify(err error) (int, string) {
	if herr, ok := httperror.As(err); ok {
		return herr.Status, herr.Message
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

// NotFound is the terminal handler for paths no route matches
func NotFound(c *gin.Context) {
	_ = c.Error(httperror.NotFound(fmt.Sprintf("Cannot %s %s", c.Request.Method, c.Request.URL.Path)))
	c.Abort()
}

// MethodNotAllowed is the terminal handler for known paths requested with
// an unsupported method
func MethodNotAllowed(c *gin.Context) {
	_ = c.Error(httperror.New(http.StatusMethodNotAllowed, "Method not allowed"))
	c.Abort()
}
