package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

// BodyParser parses JSON and URL-encoded request bodies up front so that a
// malformed body is rejected before any route handler runs. JSON bodies are
// stored as any, form bodies as url.Values, under BodyKey. The raw body is
// restored so handlers can still bind it.
func BodyParser(limit int64) gin.HandlerFunc {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.Body == http.NoBody || c.Request.ContentLength == 0 {
			return
		}

		contentType := c.ContentType()
		if contentType != gin.MIMEJSON && contentType != gin.MIMEPOSTForm {
			return
		}

		data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			abort(c, httperror.Wrap(http.StatusBadRequest, "Failed to read request body", err))
			return
		}
		if int64(len(data)) > limit {
			abort(c, httperror.New(http.StatusRequestEntityTooLarge, "Request entity too large"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(data))

		var payload any
		switch contentType {
		case gin.MIMEJSON:
			payload, err = parseJSONBody(data)
		case gin.MIMEPOSTForm:
			payload, err = url.ParseQuery(string(data))
		}
		if err != nil {
			abort(c, httperror.Wrap(http.StatusBadRequest, "Malformed request body", err))
			return
		}
		if payload != nil {
			c.Set(BodyKey, payload)
		}
	}
}

// DefaultBodyLimit is used when no positive limit is configured
const DefaultBodyLimit = 100 << 10

var errNotObject = errors.New("JSON body must be an object or an array")

// parseJSONBody accepts only objects and arrays; an empty body is not an
// error and yields nil
func parseJSONBody(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errNotObject
	}

	var payload any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Body returns the parsed request body, if any
func Body(c *gin.Context) (any, bool) {
	return c.Get(BodyKey)
}
