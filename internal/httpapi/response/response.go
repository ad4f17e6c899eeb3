// Package response is the shared JSON envelope used by every handler in
// internal/httpapi/handlers, mirroring the teacher's response package.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tasker-run/tasker/internal/platform/ctxutil"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// Error writes a status/code/err triple wrapped with whatever trace and
// request IDs AttachTraceContext stamped onto this request.
func Error(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	td := ctxutil.GetTraceData(c.Request.Context())
	env := ErrorEnvelope{Error: APIError{Message: msg, Code: code}}
	if td != nil {
		env.TraceID = td.TraceID
		env.RequestID = td.RequestID
	}
	c.JSON(status, env)
}

func OK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func Created(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
