package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

// statusFor maps an error to its HTTP status. Order matters: an invalid
// transition is also a validation error but answers 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, orders.ErrValidation), errors.Is(err, reqctx.ErrMissingTenant),
		errors.Is(err, reqctx.ErrMissingUser):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, idempotency.ErrInFlight), errors.Is(err, idempotency.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrHashMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, idempotency.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, idempotency.ErrExpired):
		return http.StatusGone
	case errors.Is(err, idempotency.ErrWrongUser):
		return http.StatusForbidden
	case errors.Is(err, events.ErrExternalCommunication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}

	var rejection *idempotency.RejectionError
	if errors.As(err, &rejection) {
		body["reason"] = string(rejection.Reason)
		if rejection.ExistingOrderID != "" {
			body["existing_order_id"] = rejection.ExistingOrderID
		}
	}
	var validation *orders.ValidationError
	if errors.As(err, &validation) {
		body["field"] = validation.Field
	}

	c.JSON(statusFor(err), body)
}
