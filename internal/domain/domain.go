// Package domain defines the entities the engine owns, independent of how
// they are transported or persisted. Ownership follows §9's redesign flag:
// Invoice owns LineItem and Conversation owns Message downward; upward
// links (Conversation.LineItemID) are opaque ids, never back-pointers.
package domain

import "time"

// Role is a Caregiver's access level.
type Role string

const (
	RoleStaff      Role = "staff"
	RoleOrgAdmin   Role = "org_admin"
	RoleSuperAdmin Role = "super_admin"
)

// Frequency is a Schedule's recurrence unit.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// CallStatus is the Call Orchestrator's state machine value, persisted on
// Conversation. Terminal states are absorbing.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusMissed     CallStatus = "missed"
	CallStatusCancelled  CallStatus = "cancelled"
)

// Terminal reports whether status is absorbing.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusMissed, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	MessageRolePatient   MessageRole = "patient"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Severity grades an Alert / EmergencyPhrase. Ordered low to high so that
// max-severity comparisons are a plain integer comparison.
type Severity int

const (
	SeverityMedium Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

// ParseSeverity parses the string form back into a Severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// InvoiceStatus is an Invoice's lifecycle state.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusVoid     InvoiceStatus = "void"
	InvoiceStatusOverdue  InvoiceStatus = "overdue"
)

// CallRetrySettings governs retry-chain behavior for an Organization.
type CallRetrySettings struct {
	RetryCount           int  // [0,10]
	RetryIntervalMinutes int  // [1,1440]
	AlertOnAllMissedCalls bool
}

// Organization is the tenant boundary.
type Organization struct {
	ID                string
	Name              string
	ContactEmail      string
	RetrySettings     CallRetrySettings
	RatePerMinute     float64 // currency units/min, billing §4.D
	NextInvoiceNumber int64   // per-org monotone counter, find-and-increment
}

// Caregiver is a human recipient of alerts.
type Caregiver struct {
	ID              string
	OrgID           string
	Name            string
	Email           string
	Phone           string
	Role            Role
	EmailVerified   bool
	PhoneVerified   bool
	PushDeviceIDs   []string
	AssignedPatients []string
}

// HasVerifiedPhone reports SMS eligibility.
func (c Caregiver) HasVerifiedPhone() bool { return c.PhoneVerified && c.Phone != "" }

// HasVerifiedEmail reports email eligibility.
func (c Caregiver) HasVerifiedEmail() bool { return c.EmailVerified && c.Email != "" }

// HasPush reports push eligibility.
func (c Caregiver) HasPush() bool { return len(c.PushDeviceIDs) > 0 }

// Patient is a call target.
type Patient struct {
	ID                string
	OrgID             string
	Phone             string // E.164
	PreferredLanguage string
	MedicalNotes      string
	CaregiverIDs      []string
}

// CallEligible reports whether the patient has at least one assigned
// caregiver, per spec §3.
func (p Patient) CallEligible() bool { return len(p.CaregiverIDs) > 0 }

// Schedule is a recurring call intent.
type Schedule struct {
	ID            string
	OrgID         string
	PatientID     string
	Frequency     Frequency
	TimeOfDay     string // "HH:MM" UTC
	DayOfWeek     time.Weekday
	EveryNWeeks   int
	DayOfMonth    int
	IsActive      bool
	NextCallDate  time.Time
}

// Conversation is the record of one call attempt.
type Conversation struct {
	ID               string
	OrgID            string
	CallSid          string
	AsteriskChannelID string
	PatientID        string
	AgentID          string // optional caregiver who placed a manual call
	Status           CallStatus
	StartTime        time.Time
	EndTime          time.Time
	Duration         int64 // seconds
	Cost             float64
	LineItemID       string // "" means unbilled
	RetryAttempt     int
	MaxRetries       int
	OriginalCallID   string // "" for a root attempt
	RetryScheduledAt time.Time
	CallNotes        string
	Outcome          string
	Messages         []Message // ordered transcript, appended by the Conversation Store
}

// Unbilled reports whether the conversation has not yet been linked to a
// LineItem.
func (c Conversation) Unbilled() bool { return c.LineItemID == "" }

// Message is one utterance in a Conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	Position       int
	CreatedAt      time.Time
}

// Alert is a detected emergency instance.
type Alert struct {
	ID               string
	PatientID        string
	Severity         Severity
	Category         string
	Phrase           string
	Utterance        string
	ConversationID   string
	DetectedAt       time.Time
	Suppressed       bool
	SuppressedReason string
}

// EmergencyPhrase is a detector vocabulary entry.
type EmergencyPhrase struct {
	ID       string
	Language string
	Phrase   string
	Severity Severity
	Category string
}

// AlertDeliveryStatus captures one (alert, caregiver, transport) outcome.
type AlertDeliveryStatus string

const (
	AlertDeliveryPending AlertDeliveryStatus = "pending"
	AlertDeliverySent    AlertDeliveryStatus = "sent"
	AlertDeliveryFailed  AlertDeliveryStatus = "failed"
)

// Transport is a notification delivery channel.
type Transport string

const (
	TransportSMS   Transport = "sms"
	TransportEmail Transport = "email"
	TransportPush  Transport = "push"
)

// AlertDelivery audits one transport attempt for one caregiver.
type AlertDelivery struct {
	ID          string
	AlertID     string
	CaregiverID string
	Transport   Transport
	Status      AlertDeliveryStatus
	Attempts    int
	LastError   string
	DeliveredAt time.Time
}

// Invoice is a billing aggregate over an Organization + period.
type Invoice struct {
	ID            string
	OrgID         string
	InvoiceNumber int64
	IssueDate     time.Time
	DueDate       time.Time
	Status        InvoiceStatus
	TotalAmount   float64
	LineItems     []LineItem
}

// LineItem is one billable group, owned by exactly one Invoice.
type LineItem struct {
	ID          string
	InvoiceID   string
	PatientID   string
	Amount      float64
	Quantity    int
	UnitPrice   float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Description string
}
