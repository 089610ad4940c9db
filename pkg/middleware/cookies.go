package middleware

import "github.com/gin-gonic/gin"

// Cookies parses the request cookies into a map stored under CookiesKey.
// When a name repeats, the first occurrence wins.
func Cookies() gin.HandlerFunc {
	return func(c *gin.Context) {
		parsed := make(map[string]string)
		for _, cookie := range c.Request.Cookies() {
			if _, seen := parsed[cookie.Name]; !seen {
				parsed[cookie.Name] = cookie.Value
			}
		}
		c.Set(CookiesKey, parsed)
	}
}

// ParsedCookies returns the cookie map set by Cookies
func ParsedCookies(c *gin.Context) map[string]string {
	if v, ok := c.Get(CookiesKey); ok {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return map[string]string{}
}
