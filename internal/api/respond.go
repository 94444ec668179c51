package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/matthewjhunter/courier/internal/result"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps a non-Ok result to an HTTP status. Business-rule denials
// are conflicts; the quota routes override this with 429.
func statusFor[T any](r result.Result[T]) int {
	switch {
	case r.IsInvalid():
		return http.StatusBadRequest
	case r.Kind == result.KindDenied:
		return http.StatusConflict
	case r.Kind == result.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// respond writes r.Value with okStatus, or an error body for any other kind.
func respond[T any](s *Server, c *gin.Context, r result.Result[T], okStatus int) {
	if r.IsOk() {
		c.JSON(okStatus, r.Value)
		return
	}
	s.writeError(c, statusFor(r), r.Kind, r.Reason, r.Err)
}

// writeError aborts with an error body. Transient causes are logged and
// replaced with a generic message.
func (s *Server) writeError(c *gin.Context, status int, kind result.Kind, reason string, err error) {
	label := kind.String()
	if errors.Is(err, result.ErrInvalid) {
		label = "invalid"
	}
	if kind == result.KindTransient {
		s.logger.Error("Request failed", "method", c.Request.Method, "route", c.FullPath(), "error", err)
		reason = "temporarily unavailable, try again later"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: reason, Kind: label})
}

func (s *Server) badRequest(c *gin.Context, format string, args ...any) {
	s.writeError(c, http.StatusBadRequest, result.KindDenied, fmt.Sprintf(format, args...), result.ErrInvalid)
}

// pathID parses a positive integer path parameter, writing a 400 when it
// is missing or malformed.
func (s *Server) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(c, "%s must be a positive integer", name)
		return 0, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter.
func (s *Server) queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.badRequest(c, "%s must be an integer", name)
		return 0, false
	}
	return n, true
}

func (s *Server) queryBool(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		s.badRequest(c, "%s must be a boolean", name)
		return false, false
	}
	return b, true
}

func (s *Server) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.badRequest(c, "malformed request body: %v", err)
		return false
	}
	return true
}
