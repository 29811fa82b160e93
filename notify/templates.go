package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Template names used by the billing core.
const (
	TemplatePaymentSucceeded       = "payment_succeeded"
	TemplateSubscriptionDowngraded = "subscription_downgraded"
	TemplateUpgradeReminder        = "upgrade_reminder"
	TemplateAccountSuspended       = "account_suspended"
	TemplateAccountRestored        = "account_restored"
)

// ErrUnknownTemplate is returned when rendering an unregistered template.
var ErrUnknownTemplate = fmt.Errorf("notify: unknown template")

type entry struct {
	subject *template.Template
	body    *htmltemplate.Template
}

// Registry holds named e-mail templates: a plain-text subject and an HTML
// body, both rendered against the same data map.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]entry)}
}

// Register parses and stores a template, replacing any previous one with the
// same name.
func (r *Registry) Register(name, subject, body string) error {
	if name == "" {
		return fmt.Errorf("notify: template name is required")
	}
	subj, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("notify: parse subject of %q: %w", name, err)
	}
	b, err := htmltemplate.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("notify: parse body of %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = entry{subject: subj, body: b}
	return nil
}

// Render executes a named template.
func (r *Registry) Render(name string, data map[string]any) (subject, body string, err error) {
	r.mu.RLock()
	e, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	var sb, bb bytes.Buffer
	if err := e.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("notify: render subject of %q: %w", name, err)
	}
	if err := e.body.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("notify: render body of %q: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}

// Names lists registered template names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a Registry with the billing templates installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []struct{ name, subject, body string }{
		{
			TemplatePaymentSucceeded,
			"Payment received",
			`<p>Hi {{.name}},</p><p>We received your payment of {{.amount}} {{.currency}}. Your plan stays active.</p>`,
		},
		{
			TemplateSubscriptionDowngraded,
			"Your plan was moved to Free",
			`<p>Hi {{.name}},</p><p>We could not collect your payment, so your account is now on the Free plan. You can upgrade again at any time.</p>`,
		},
		{
			TemplateUpgradeReminder,
			"Ready to upgrade again?",
			`<p>Hi {{.name}},</p><p>Your paid features are one click away. Update your payment method to upgrade.</p>`,
		},
		{
			TemplateAccountSuspended,
			"Your account has been suspended",
			`<p>Hi {{.name}},</p><p>We suspended your account while we review recent payment activity ({{.reason}}). Contact support if you have questions.</p>`,
		},
		{
			TemplateAccountRestored,
			"Your account has been restored",
			`<p>Hi {{.name}},</p><p>Our review is complete and your account is active again.</p>`,
		},
	} {
		// Built-in templates are static and always parse.
		if err := r.Register(t.name, t.subject, t.body); err != nil {
			panic(err)
		}
	}
	return r
}
