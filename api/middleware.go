package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/terminal"
)

const tokenKey = "mtgate.token"

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, r any) {
		log.Error("handler panicked", zap.Any("panic", r), zap.String("path", c.FullPath()))
		abort(c, terminal.Errorf(terminal.KindInternal, "internal error"))
	})
}

// bearerAuth rejects requests without a known token before they reach a
// handler, so they never queue for the terminal.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abort(c, terminal.Errorf(terminal.KindInvalidToken, "missing bearer token"))
			return
		}
		if _, err := s.broker.Account(c.Request.Context(), token); err != nil {
			abort(c, err)
			return
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

func (s *Server) adminAuth() gin.HandlerFunc {
	want := []byte(s.adminToken)
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			abort(c, terminal.Errorf(terminal.KindInvalidToken, "invalid admin token"))
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
