package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

// Compression gzips responses for clients that send Accept-Encoding: gzip.
// Bodies shorter than minSize are sent uncompressed. Upgrade and HEAD
// requests are left alone.
func Compression(minSize int) gin.HandlerFunc {
	pool := &sync.Pool{
		New: func() any {
			gz, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
			return gz
		},
	}

	return func(c *gin.Context) {
		if !acceptsGzip(c.Request) || c.Request.Method == http.MethodHead || websocket.IsWebSocketUpgrade(c.Request) {
			return
		}

		c.Writer.Header().Add("Vary", "Accept-Encoding")

		gw := &gzipWriter{ResponseWriter: c.Writer, pool: pool, minSize: minSize}
		c.Writer = gw
		defer func() {
			if r := recover(); r != nil {
				gw.discard()
				c.Writer = gw.ResponseWriter
				panic(r)
			}
			gw.finish()
			c.Writer = gw.ResponseWriter
		}()

		c.Next()
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// gzipWriter buffers up to minSize bytes before deciding whether to
// compress. Nothing reaches the client until the first decision, so an
// aborted request with no body leaves the underlying writer untouched.
type gzipWriter struct {
	gin.ResponseWriter
	pool    *sync.Pool
	minSize int

	buf         []byte
	gz          *gzip.Writer
	passthrough bool
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	if w.passthrough {
		return w.ResponseWriter.Write(data)
	}
	if w.gz != nil {
		return w.gz.Write(data)
	}
	if !w.compressible() {
		w.passthrough = true
		return w.ResponseWriter.Write(data)
	}

	w.buf = append(w.buf, data...)
	if len(w.buf) >= w.minSize {
		if err := w.startGzip(); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush commits to an encoding before any header reaches the client
func (w *gzipWriter) Flush() {
	if w.gz == nil && !w.passthrough {
		if w.compressible() {
			_ = w.startGzip()
		} else {
			w.passthrough = true
		}
	}
	if w.gz != nil {
		_ = w.gz.Flush()
	}
	w.ResponseWriter.Flush()
}

// WriteHeaderNow sends the headers uncompressed. Anything buffered so far
// follows as plain bytes.
func (w *gzipWriter) WriteHeaderNow() {
	if w.gz == nil && !w.passthrough {
		w.passthrough = true
		if len(w.buf) > 0 {
			buffered := w.buf
			w.buf = nil
			_, _ = w.ResponseWriter.Write(buffered)
		}
	}
	w.ResponseWriter.WriteHeaderNow()
}

func (w *gzipWriter) compressible() bool {
	h := w.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	switch w.Status() {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return true
}

func (w *gzipWriter) startGzip() error {
	h := w.Header()
	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")

	gz := w.pool.Get().(*gzip.Writer)
	gz.Reset(w.ResponseWriter)
	w.gz = gz

	buffered := w.buf
	w.buf = nil
	_, err := gz.Write(buffered)
	return err
}

// finish flushes whatever is pending and returns the gzip writer to the pool
func (w *gzipWriter) finish() {
	if w.gz != nil {
		_ = w.gz.Close()
		w.pool.Put(w.gz)
		w.gz = nil
		return
	}
	if len(w.buf) > 0 {
		buffered := w.buf
		w.buf = nil
		_, _ = w.ResponseWriter.Write(buffered)
	}
}

// discard drops any buffered body so a recovered panic can still be
// rendered as an error response
func (w *gzipWriter) discard() {
	w.buf = nil
	if w.gz != nil {
		_ = w.gz.Close()
		w.pool.Put(w.gz)
		w.gz = nil
	}
}
