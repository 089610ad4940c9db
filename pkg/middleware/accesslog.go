package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clfTimeLayout = "02/Jan/2006:15:04:05 -0700"

// accessEntry is what one request contributes to the access log
type accessEntry struct {
	RemoteAddr string
	RemoteUser string
	Time       time.Time
	Method     string
	URL        string
	Proto      string
	Status     int
	Size       int
	Latency    time.Duration
	Referrer   string
	UserAgent  string
}

// formatAccessLine renders an entry in one of the classic access log
// formats (combined, common, dev, short, tiny). Unknown formats fall back
// to dev.
func formatAccessLine(format string, e accessEntry) string {
	size := "-"
	if e.Size >= 0 {
		size = strconv.Itoa(e.Size)
	}
	user := e.RemoteUser
	if user == "" {
		user = "-"
	}
	ms := fmt.Sprintf("%.3f ms", float64(e.Latency.Microseconds())/1000)

	switch format {
	case "combined":
		return fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %s \"%s\" \"%s\"",
			e.RemoteAddr, user, e.Time.Format(clfTimeLayout), e.Method, e.URL, e.Proto,
			e.Status, size, dash(e.Referrer), dash(e.UserAgent))
	case "common":
		return fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %s",
			e.RemoteAddr, user, e.Time.Format(clfTimeLayout), e.Method, e.URL, e.Proto,
			e.Status, size)
	case "short":
		return fmt.Sprintf("%s %s %s %s %s %d %s - %s",
			e.RemoteAddr, user, e.Method, e.URL, e.Proto, e.Status, size, ms)
	case "tiny":
		return fmt.Sprintf("%s %s %d %s - %s", e.Method, e.URL, e.Status, size, ms)
	default:
		return fmt.Sprintf("%s %s %d %s - %s", e.Method, e.URL, e.Status, ms, size)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// AccessLog logs one line per request after the response has been produced.
// It only observes the request and the response status.
func AccessLog(format string, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		url := c.Request.URL.RequestURI()

		c.Next()

		user, _, _ := c.Request.BasicAuth()
		entry := accessEntry{
			RemoteAddr: c.ClientIP(),
			RemoteUser: user,
			Time:       start,
			Method:     c.Request.Method,
			URL:        url,
			Proto:      c.Request.Proto,
			Status:     c.Writer.Status(),
			Size:       c.Writer.Size(),
			Latency:    time.Since(start),
			Referrer:   c.Request.Referer(),
			UserAgent:  c.Request.UserAgent(),
		}

		logger.Info(formatAccessLine(format, entry),
			zap.String("method", entry.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", entry.Status),
			zap.Int("bytes", entry.Size),
			zap.Duration("latency", entry.Latency),
			zap.String("remote", entry.RemoteAddr),
		)
	}
}
