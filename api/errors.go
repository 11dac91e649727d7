package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rustyeddy/mtgate/terminal"
)

type errorBody struct {
	Kind    terminal.Kind `json:"kind"`
	Code    int           `json:"code,omitempty"`
	Message string        `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind terminal.Kind) int {
	switch kind {
	case terminal.KindValidation:
		return http.StatusBadRequest
	case terminal.KindInvalidToken:
		return http.StatusUnauthorized
	case terminal.KindAuth:
		return http.StatusForbidden
	case terminal.KindNotFound, terminal.KindNoPositions:
		return http.StatusNotFound
	case terminal.KindOrderRejected:
		return http.StatusUnprocessableEntity
	case terminal.KindTimeout:
		return http.StatusGatewayTimeout
	case terminal.KindConnection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	kind := terminal.KindOf(err)
	body := &errorBody{Kind: kind, Code: terminal.CodeOf(err)}

	var te *terminal.Error
	switch {
	case errors.As(err, &te):
		body.Message = te.Message
		if te.Err != nil && kind != terminal.KindInternal {
			body.Message += ": " + te.Err.Error()
		}
	case errors.Is(err, context.DeadlineExceeded):
		body.Message = "request deadline exceeded"
	default:
		// Unclassified errors may carry paths or driver text.
		body.Message = "internal error"
	}
	c.AbortWithStatusJSON(statusOf(kind), envelope{Error: body})
}

func respond(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: message, Data: data})
}
