// Package provider abstracts the outbound email service boundary.
// Implementations send one rendered subtask through the credentials of
// an EmailService record and classify failures as retryable or not.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/lettermill/lettermill/internal/models"
)

// Provider sends one subtask through the given service
type Provider interface {
	// Send returns the provider message id on success. Errors should be
	// *Error so the dispatcher can tell transient from permanent;
	// anything else is treated as transient.
	Send(ctx context.Context, sub *models.SubTask, svc *models.EmailService) (string, error)
}

// Error is a classified provider failure
type Error struct {
	Retryable bool
	Message   string
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transient provider error: %s", e.Message)
	}
	return fmt.Sprintf("permanent provider error: %s", e.Message)
}

// IsRetryable reports whether the error warrants a retry. Unknown
// errors are assumed retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// Router dispatches to a provider implementation by the service's
// provider name.
type Router struct {
	providers map[string]Provider
}

// NewRouter creates a router over named provider implementations
func NewRouter(providers map[string]Provider) *Router {
	return &Router{providers: providers}
}

// Send routes to the implementation named by svc.Provider
func (r *Router) Send(ctx context.Context, sub *models.SubTask, svc *models.EmailService) (string, error) {
	p, ok := r.providers[svc.Provider]
	if !ok {
		return "", &Error{Retryable: false, Message: fmt.Sprintf("unknown provider %q", svc.Provider)}
	}
	return p.Send(ctx, sub, svc)
}
