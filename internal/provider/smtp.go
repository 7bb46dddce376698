package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
)

// SMTPProvider submits mail through the authenticated relay configured
// on the EmailService record.
type SMTPProvider struct{}

// NewSMTP creates the SMTP submission provider
func NewSMTP() *SMTPProvider {
	return &SMTPProvider{}
}

// Send submits the subtask through the service's relay. 5xx replies are
// permanent (recipient or message rejected), everything else is
// transient. The returned id is generated locally; SMTP gives no
// provider message id back.
func (p *SMTPProvider) Send(ctx context.Context, sub *models.SubTask, svc *models.EmailService) (string, error) {
	addr := fmt.Sprintf("%s:%d", svc.Host, svc.Port)

	var auth sasl.Client
	if svc.Username != "" {
		auth = sasl.NewPlainClient("", svc.Username, svc.Password)
	}

	msg := buildMessage(svc.FromAddress, sub)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, svc.FromAddress, []string{sub.RecipientEmail}, strings.NewReader(msg))
	}()

	select {
	case <-ctx.Done():
		return "", &Error{Retryable: true, Message: "smtp submission timed out"}
	case err := <-done:
		if err != nil {
			return "", classify(err)
		}
	}

	return "smtp-" + uuid.New().String(), nil
}

// classify maps an SMTP failure onto the retryable/permanent split
func classify(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &Error{
			Retryable: smtpErr.Code < 500,
			Message:   fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message),
		}
	}
	// Connection-level problems (refused, reset, DNS) are worth retrying
	return &Error{Retryable: true, Message: err.Error()}
}

// buildMessage assembles the minimal submission payload. Anything beyond
// these headers is the relay's business.
func buildMessage(from string, sub *models.SubTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", sub.RecipientEmail)
	fmt.Fprintf(&b, "Subject: %s\r\n", sub.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(sub.Body)
	return b.String()
}
