package types

// TransactionType classifies a balance transaction. Credits are positive
// amounts (topup, refund), usage debits are negative; adjustments may be
// either sign.
type TransactionType string

const (
	TransactionTypeTopup        TransactionType = "topup"
	TransactionTypeAIUsage      TransactionType = "ai_usage"
	TransactionTypeSandboxUsage TransactionType = "sandbox_usage"
	TransactionTypeStorageUsage TransactionType = "storage_usage"
	TransactionTypeDBUsage      TransactionType = "database_usage"
	TransactionTypeDeployment   TransactionType = "deployment"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeAdjustment   TransactionType = "adjustment"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// SubscriptionChangeReason records why a subscription row changed; written
// to the subscription audit log alongside before/after snapshots.
type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonUpgrade          SubscriptionChangeReason = "upgrade"
	SubscriptionChangeReasonDowngrade        SubscriptionChangeReason = "downgrade"
	SubscriptionChangeReasonRenewal          SubscriptionChangeReason = "renewal"
	SubscriptionChangeReasonPaymentFailed    SubscriptionChangeReason = "payment_failed"
	SubscriptionChangeReasonPaymentRecovered SubscriptionChangeReason = "payment_recovered"
	SubscriptionChangeReasonGraceExpired     SubscriptionChangeReason = "grace_expired"
	SubscriptionChangeReasonCancel           SubscriptionChangeReason = "cancel"
	SubscriptionChangeReasonPendingChange    SubscriptionChangeReason = "pending_change_applied"
)

// WebhookEventType enumerates the provider notifications this system
// understands. Anything else falls through to the dispatch default case.
type WebhookEventType string

const (
	WebhookEventPaymentCaptured       WebhookEventType = "payment.captured"
	WebhookEventPaymentFailed         WebhookEventType = "payment.failed"
	WebhookEventSubscriptionRenewed   WebhookEventType = "subscription.renewed"
	WebhookEventSubscriptionCancelled WebhookEventType = "subscription.cancelled"
	WebhookEventRefundIssued          WebhookEventType = "refund.issued"
)

// ResourceClass identifies a metered resource family.
type ResourceClass string

const (
	ResourceClassSandbox    ResourceClass = "sandbox"
	ResourceClassStorage    ResourceClass = "storage"
	ResourceClassDeployment ResourceClass = "deployment"
	ResourceClassAI         ResourceClass = "ai"
)
