package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wiretide/wiretide/pkg/apperr"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	usernameContextKey      = "username"
	requestIDHeader         = "X-Request-ID"
)

const tracerName = "github.com/wiretide/wiretide/server"

func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("route", route).Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", c.Request.URL.RequestURI()),
			attribute.String("request.id", reqID),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) *zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return &logger
		}
	}
	return &fallback
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

// respondError maps err onto its HTTP status and aborts the request. The body
// carries only the caller-safe detail; internal causes are logged.
func respondError(c *gin.Context, err error, fallback zerolog.Logger) {
	kind := apperr.KindOf(err)
	status := kind.Status()
	detail := apperr.Detail(err)

	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error().Err(err)
	}
	entry.Int("status", status).Str("kind", kind.String()).Msg(detail)

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.kind", kind.String()),
			attribute.String("error.message", detail),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      detail,
		"request_id": requestID(c),
	})
}

// bind decodes a JSON or form body into dst according to Content-Type.
func bind(c *gin.Context, dst any) error {
	if err := c.ShouldBind(dst); err != nil {
		return apperr.Validation("invalid request: " + bindingDetail(err))
	}
	return nil
}

func bindingDetail(err error) string {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return "invalid number " + strconv.Quote(numErr.Num)
	}
	return err.Error()
}

func parseUintParam(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid id " + strconv.Quote(raw))
	}
	return uint(id), nil
}
