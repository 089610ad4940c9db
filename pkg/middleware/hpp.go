package middleware

import (
	"net/url"

	"github.com/gin-gonic/gin"
)

// ParameterPollution collapses repeated query parameters to their last
// value. The original values are kept in the context under
// PollutedQueryKey. Whitelisted keys keep every value.
func ParameterPollution(whitelist []string) gin.HandlerFunc {
	keep := make(map[string]bool, len(whitelist))
	for _, key := range whitelist {
		keep[key] = true
	}

	return func(c *gin.Context) {
		if c.Request.URL.RawQuery == "" {
			return
		}

		query := c.Request.URL.Query()
		polluted := url.Values{}
		for key, values := range query {
			if len(values) < 2 || keep[key] {
				continue
			}
			polluted[key] = values
			query[key] = values[len(values)-1:]
		}

		if len(polluted) == 0 {
			return
		}

		c.Request.URL.RawQuery = query.Encode()
		c.Set(PollutedQueryKey, polluted)
	}
}

// PollutedQuery returns the query parameters that were collapsed, if any
func PollutedQuery(c *gin.Context) url.Values {
	if v, ok := c.Get(PollutedQueryKey); ok {
		if values, ok := v.(url.Values); ok {
			return values
		}
	}
	return nil
}
