// Package notify renders templated e-mails and hands them to a transport.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Email is a request to send a templated message.
type Email struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject,omitempty"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier sends templated e-mails.
type Notifier interface {
	SendEmail(ctx context.Context, email Email) error
}

// Message is a rendered e-mail ready for delivery.
type Message struct {
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	HTML     string    `json:"html"`
	Template string    `json:"template"`
	QueuedAt time.Time `json:"queued_at"`
}

// Transport delivers rendered messages.
type Transport interface {
	Deliver(ctx context.Context, msg Message) error
}

// Service renders e-mails from a Registry and delivers them over a Transport.
type Service struct {
	templates *Registry
	transport Transport
	logger    *slog.Logger
}

// NewService creates a Service. A nil registry uses DefaultRegistry.
func NewService(templates *Registry, transport Transport, logger *slog.Logger) *Service {
	if templates == nil {
		templates = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{templates: templates, transport: transport, logger: logger}
}

// SendEmail renders email.Template and delivers it. An explicit Subject
// overrides the template's subject.
func (s *Service) SendEmail(ctx context.Context, email Email) error {
	if email.To == "" {
		return fmt.Errorf("notify: recipient is required")
	}
	subject, body, err := s.templates.Render(email.Template, email.Data)
	if err != nil {
		return err
	}
	if email.Subject != "" {
		subject = email.Subject
	}
	msg := Message{
		To:       email.To,
		Subject:  subject,
		HTML:     body,
		Template: email.Template,
		QueuedAt: time.Now().UTC(),
	}
	if err := s.transport.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("notify: deliver %q to %s: %w", email.Template, email.To, err)
	}
	s.logger.Info("email queued", "template", email.Template, "to", email.To)
	return nil
}

// LogTransport writes messages to a logger instead of delivering them.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, msg Message) error {
	t.logger.InfoContext(ctx, "email (log transport)", "to", msg.To, "subject", msg.Subject, "template", msg.Template)
	return nil
}

var (
	_ Notifier  = (*Service)(nil)
	_ Transport = (*LogTransport)(nil)
)
