package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
)

// Sandbox is an in-memory provider for development and tests. Outcomes
// can be scripted per recipient; unscripted sends succeed.
type Sandbox struct {
	mu       sync.Mutex
	sent     []SandboxSend
	outcomes map[string][]error
}

// SandboxSend records one accepted send
type SandboxSend struct {
	SubTaskID string
	ServiceID string
	Recipient string
	Subject   string
}

// NewSandbox creates an empty sandbox provider
func NewSandbox() *Sandbox {
	return &Sandbox{outcomes: make(map[string][]error)}
}

// Script queues outcomes for a recipient; each send to that recipient
// consumes one. nil means success.
func (s *Sandbox) Script(recipient string, outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[recipient] = append(s.outcomes[recipient], outcomes...)
}

// Send consumes the next scripted outcome for the recipient, defaulting
// to success.
func (s *Sandbox) Send(ctx context.Context, sub *models.SubTask, svc *models.EmailService) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue := s.outcomes[sub.RecipientEmail]; len(queue) > 0 {
		next := queue[0]
		s.outcomes[sub.RecipientEmail] = queue[1:]
		if next != nil {
			return "", next
		}
	}

	s.sent = append(s.sent, SandboxSend{
		SubTaskID: sub.ID,
		ServiceID: svc.ID,
		Recipient: sub.RecipientEmail,
		Subject:   sub.Subject,
	})
	return fmt.Sprintf("sandbox-%s", uuid.New().String()), nil
}

// Sent returns a copy of the accepted sends
func (s *Sandbox) Sent() []SandboxSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SandboxSend, len(s.sent))
	copy(out, s.sent)
	return out
}
