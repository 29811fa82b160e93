package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/billing-webhooks/notify"
)

// mailer resolves a user's address and sends a templated e-mail.
type mailer struct {
	users    userGetter
	notifier notify.Notifier
	logger   *slog.Logger
}

// send delivers a notification and swallows any failure.
func (m *mailer) send(ctx context.Context, userID, template string, data map[string]any) {
	if err := m.sendStrict(ctx, userID, template, data); err != nil {
		m.logger.Warn("notification not sent", "user_id", userID, "template", template, "error", err)
	}
}

// sendStrict delivers a notification and reports failure to the caller.
func (m *mailer) sendStrict(ctx context.Context, userID, template string, data map[string]any) error {
	if m.notifier == nil {
		return nil
	}
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: look up user %s: %v", ErrNotification, userID, err)
	}
	if u.Email == "" {
		return fmt.Errorf("%w: user %s has no e-mail address", ErrNotification, userID)
	}
	payload := map[string]any{"name": u.Email, "user_id": userID}
	for k, v := range data {
		payload[k] = v
	}
	if err := m.notifier.SendEmail(ctx, notify.Email{To: u.Email, Template: template, Data: payload}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	return nil
}
