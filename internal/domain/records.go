package domain

import "time"

type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// ReportSchedule is a per-account calendar recurrence. NextRunAt nil means the
// schedule is due on the next sweep.
type ReportSchedule struct {
	ID         string
	AccountID  string
	Frequency  Frequency
	Time       string // HH:MM
	DayOfWeek  *int   // 0 = Sunday
	DayOfMonth *int   // 1..31
	Timezone   string
	NextRunAt  *time.Time
	IsActive   bool
}

type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "OPEN"
	ConversationSnoozed ConversationStatus = "SNOOZED"
	ConversationClosed  ConversationStatus = "CLOSED"
)

// Conversation is a support thread. A SNOOZED conversation always has
// SnoozedUntil set.
type Conversation struct {
	ID           string
	TenantID     string
	Status       ConversationStatus
	SnoozedUntil *time.Time
}

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelChat  Channel = "CHAT"
)

// ScheduledMessage is an outbound message queued for a future time. A nil
// ScheduledFor means it has already been handed to delivery.
type ScheduledMessage struct {
	ID             string
	TenantID       string
	ConversationID string
	Channel        Channel
	Recipient      string
	Subject        string
	Body           string
	ScheduledFor   *time.Time
}

// CartSession is a shopper session. NotifiedAt is the debounce marker for the
// abandoned-cart trigger.
type CartSession struct {
	ID             string
	TenantID       string
	CustomerEmail  string
	ItemCount      int
	Total          float64
	LastActivityAt time.Time
	NotifiedAt     *time.Time
}

// MailAccount is an external inbox polled on an interval.
type MailAccount struct {
	ID       string
	TenantID string
}

// SyncOptions parameterize one tenant sync run.
type SyncOptions struct {
	Incremental bool     `json:"incremental"`
	TaskTypes   []string `json:"task_types,omitempty"`
}
