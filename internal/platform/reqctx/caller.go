// Package reqctx carries the tenant, user and correlation identity of a call.
//
// The identity is passed explicitly through every saga signature instead of
// living in ambient request state, because event publication and scheduled
// sweeps run outside the goroutine that accepted the request.
package reqctx

import (
	"errors"

	"github.com/google/uuid"
)

// SystemUserID identifies work started by the platform itself (sweeps, replays).
const SystemUserID = "system"

var (
	ErrMissingTenant = errors.New("tenant id is required")
	ErrMissingUser   = errors.New("user id is required")
)

// Caller is who a saga operation runs on behalf of.
type Caller struct {
	TenantID      string
	UserID        string
	CorrelationID string
}

// New builds a caller, generating a correlation id when none is supplied.
func New(tenantID, userID, correlationID string) Caller {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return Caller{TenantID: tenantID, UserID: userID, CorrelationID: correlationID}
}

// System returns a caller for platform-initiated work within a tenant.
func System(tenantID string) Caller {
	return New(tenantID, SystemUserID, "")
}

// WithCorrelation returns a copy carrying the given correlation id.
func (c Caller) WithCorrelation(correlationID string) Caller {
	if correlationID != "" {
		c.CorrelationID = correlationID
	}
	return c
}

func (c Caller) IsSystem() bool { return c.UserID == SystemUserID }

func (c Caller) Validate() error {
	if c.TenantID == "" {
		return ErrMissingTenant
	}
	return nil
}

// ValidateOwner also requires a user id. Anything that records ownership,
// such as order creation and idempotency tokens, needs it.
func (c Caller) ValidateOwner() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.UserID == "" {
		return ErrMissingUser
	}
	return nil
}
