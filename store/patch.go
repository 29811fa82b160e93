package store

import "time"

// Field is a single column in a partial update. The zero value leaves the
// column untouched; Set writes a value and Null clears a nullable column.
type Field[T any] struct {
	set   bool
	null  bool
	value T
}

// Set returns a Field that writes v.
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// Null returns a Field that clears the stored value.
func Null[T any]() Field[T] {
	return Field[T]{set: true, null: true}
}

// IsSet reports whether the field is part of the update.
func (f Field[T]) IsSet() bool { return f.set }

// IsNull reports whether the field explicitly clears the stored value.
func (f Field[T]) IsNull() bool { return f.set && f.null }

// Value returns the value to write and whether one is present.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.set && !f.null
}

// arg converts the field into a SQL argument, nil for an explicit null.
func (f Field[T]) arg() any {
	if f.null {
		return nil
	}
	return f.value
}

func (f Field[T]) applyValue(dst *T) {
	if !f.set {
		return
	}
	var zero T
	if f.null {
		*dst = zero
		return
	}
	*dst = f.value
}

func (f Field[T]) applyPtr(dst **T) {
	if !f.set {
		return
	}
	if f.null {
		*dst = nil
		return
	}
	v := f.value
	*dst = &v
}

// column is a single SET clause produced from a patch.
type column struct {
	name  string
	value any
}

// SubscriptionPatch is a partial update of a Subscription.
type SubscriptionPatch struct {
	Tier                   Field[Tier]
	Status                 Field[Status]
	ExternalSubscriptionID Field[string]
	ExternalCustomerID     Field[string]
	TrialEnd               Field[time.Time]
	CurrentPeriodStart     Field[time.Time]
	CurrentPeriodEnd       Field[time.Time]
	CancelAtPeriodEnd      Field[bool]
}

// Apply writes the set fields of p onto s.
func (p SubscriptionPatch) Apply(s *Subscription) {
	p.Tier.applyValue(&s.Tier)
	p.Status.applyValue(&s.Status)
	p.ExternalSubscriptionID.applyPtr(&s.ExternalSubscriptionID)
	p.ExternalCustomerID.applyValue(&s.ExternalCustomerID)
	p.TrialEnd.applyPtr(&s.TrialEnd)
	p.CurrentPeriodStart.applyPtr(&s.CurrentPeriodStart)
	p.CurrentPeriodEnd.applyPtr(&s.CurrentPeriodEnd)
	p.CancelAtPeriodEnd.applyValue(&s.CancelAtPeriodEnd)
}

// Fields returns the column names p touches, in table order.
func (p SubscriptionPatch) Fields() []string {
	cols := p.columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func (p SubscriptionPatch) columns() []column {
	var cols []column
	add := func(name string, set bool, v any) {
		if set {
			cols = append(cols, column{name: name, value: v})
		}
	}
	add("tier", p.Tier.IsSet(), p.Tier.arg())
	add("status", p.Status.IsSet(), p.Status.arg())
	add("external_subscription_id", p.ExternalSubscriptionID.IsSet(), p.ExternalSubscriptionID.arg())
	add("external_customer_id", p.ExternalCustomerID.IsSet(), p.ExternalCustomerID.arg())
	add("trial_end", p.TrialEnd.IsSet(), p.TrialEnd.arg())
	add("current_period_start", p.CurrentPeriodStart.IsSet(), p.CurrentPeriodStart.arg())
	add("current_period_end", p.CurrentPeriodEnd.IsSet(), p.CurrentPeriodEnd.arg())
	add("cancel_at_period_end", p.CancelAtPeriodEnd.IsSet(), p.CancelAtPeriodEnd.arg())
	return cols
}

// FreeTierPatch returns the patch that moves a subscription to the free tier:
// active status with every provider-linked field cleared.
func FreeTierPatch() SubscriptionPatch {
	return SubscriptionPatch{
		Tier:                   Set(TierFree),
		Status:                 Set(StatusActive),
		ExternalSubscriptionID: Null[string](),
		TrialEnd:               Null[time.Time](),
		CurrentPeriodStart:     Null[time.Time](),
		CurrentPeriodEnd:       Null[time.Time](),
		CancelAtPeriodEnd:      Set(false),
	}
}

// UserPatch is a partial update of a User.
type UserPatch struct {
	Tier             Field[Tier]
	Onboarded        Field[bool]
	AccountStatus    Field[AccountStatus]
	SuspensionReason Field[string]
	SuspendedAt      Field[time.Time]
}

// Apply writes the set fields of p onto u.
func (p UserPatch) Apply(u *User) {
	p.Tier.applyValue(&u.Tier)
	p.Onboarded.applyValue(&u.Onboarded)
	p.AccountStatus.applyValue(&u.AccountStatus)
	p.SuspensionReason.applyPtr(&u.SuspensionReason)
	p.SuspendedAt.applyPtr(&u.SuspendedAt)
}

func (p UserPatch) columns() []column {
	var cols []column
	add := func(name string, set bool, v any) {
		if set {
			cols = append(cols, column{name: name, value: v})
		}
	}
	add("tier", p.Tier.IsSet(), p.Tier.arg())
	add("onboarded", p.Onboarded.IsSet(), p.Onboarded.arg())
	add("account_status", p.AccountStatus.IsSet(), p.AccountStatus.arg())
	add("suspension_reason", p.SuspensionReason.IsSet(), p.SuspensionReason.arg())
	add("suspended_at", p.SuspendedAt.IsSet(), p.SuspendedAt.arg())
	return cols
}
