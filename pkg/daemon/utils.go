package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// requestLogger logs every request through logrus once it is answered, so an
// event stream is logged when the client goes away.
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		code := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  code,
			"latency": time.Since(start).Round(time.Microsecond).String(),
			"bytes":   max(c.Writer.Size(), 0),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		switch {
		case code >= http.StatusInternalServerError:
			entry.Error("request failed")
		case code == http.StatusConflict:
			// A session was running. Clients retry.
			entry.Info("request rejected")
		case code >= http.StatusBadRequest:
			entry.Warn("bad request")
		default:
			entry.Debug("request served")
		}
	}
}
