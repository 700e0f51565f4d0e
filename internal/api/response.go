package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error describes a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes outside the rejection reasons.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

func success(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

func failure(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Success: false, Error: &Error{Code: code, Message: message}})
}

func rejected(c *gin.Context, status int, rec RecordResponse) {
	c.JSON(status, Response{
		Success: false,
		Data:    rec,
		Error:   &Error{Code: rec.Reason, Message: rec.Detail},
	})
}

func badRequest(c *gin.Context, message string) {
	failure(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func notFound(c *gin.Context, message string) {
	failure(c, http.StatusNotFound, ErrCodeNotFound, message)
}
