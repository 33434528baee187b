package main

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &orders.ValidationError{Field: "items", Message: "required"}, http.StatusBadRequest},
		{"missing tenant", reqctx.ErrMissingTenant, http.StatusBadRequest},
		{"missing user", fmt.Errorf("idempotency check: %w", reqctx.ErrMissingUser), http.StatusBadRequest},
		{"invalid transition", &orders.InvalidTransitionError{From: orders.StatusDelivered, To: orders.StatusCancelled}, http.StatusConflict},
		{"not found", fmt.Errorf("load: %w", orders.ErrOrderNotFound), http.StatusNotFound},
		{"in flight", &idempotency.RejectionError{Reason: idempotency.ReasonInFlight}, http.StatusConflict},
		{"duplicate", &idempotency.RejectionError{Reason: idempotency.ReasonDuplicateOrder, ExistingOrderID: "o-1"}, http.StatusConflict},
		{"hash mismatch", &idempotency.RejectionError{Reason: idempotency.ReasonHashMismatch}, http.StatusUnprocessableEntity},
		{"rate limited", &idempotency.RejectionError{Reason: idempotency.ReasonRateLimited}, http.StatusTooManyRequests},
		{"expired", &idempotency.RejectionError{Reason: idempotency.ReasonExpired}, http.StatusGone},
		{"wrong user", &idempotency.RejectionError{Reason: idempotency.ReasonWrongUser}, http.StatusForbidden},
		{"broker", &events.PublishError{Err: errors.New("dial tcp")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
