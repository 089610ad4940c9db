// Package middleware contains the request processing layers applied to
// every inbound request, in the order returned by Chain.
package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

// Context keys set by the layers
const (
	PollutedQueryKey = "queryPolluted"
	BodyKey          = "body"
	CookiesKey       = "cookies"
)

// Chain returns the request layers in the order they must run:
// access log, CORS, parameter pollution, security headers, compression,
// body parsing, cookie parsing.
func Chain(cfg *config.Config, logger *zap.Logger) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		AccessLog(cfg.Logging.AccessFormat, logger),
		CORS(cfg.CORS),
		ParameterPollution(cfg.HTTP.HPPWhitelist),
		SecurityHeaders(),
		Compression(cfg.HTTP.CompressionMinSize),
		BodyParser(cfg.HTTP.BodyLimit),
		Cookies(),
	}
}

// abort stops the chain and leaves err for the error boundary to render
func abort(c *gin.Context, err *httperror.Error) {
	_ = c.Error(err)
	c.Abort()
}
