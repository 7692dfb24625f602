package httpapi

import (
	"log"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
)

// ErrorBody é o corpo de erro do contrato externo
type ErrorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func writeError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	status := apperr.HTTPStatus(err)
	span.SetAttributes(attribute.Int("http.status_code", status))

	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		span.SetStatus(codes.Error, err.Error())
		log.Printf("❌ [HTTP] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, ErrorBody{Code: apperr.CodeInternal, Message: "internal error"})
		return
	}

	c.JSON(status, ErrorBody{Code: e.Code, Message: e.Message, Context: e.Context})
}

func badRequest(c *gin.Context, span trace.Span, err error) {
	writeError(c, span, apperr.Validation(apperr.CodeInvalidRequest, "invalid request body: %v", err))
}
