package domain

import (
	"errors"
	"time"
)

// BroadcastStatus is the lifecycle state of a scheduled broadcast.
//
// Transitions: pending -> processing -> {sent, partially_sent, failed},
// pending -> cancelled, and processing -> pending on a dispatch-level
// failure that is still within the retry budget. Terminal states are
// never left.
type BroadcastStatus string

const (
	BroadcastPending       BroadcastStatus = "pending"
	BroadcastProcessing    BroadcastStatus = "processing"
	BroadcastSent          BroadcastStatus = "sent"
	BroadcastPartiallySent BroadcastStatus = "partially_sent"
	BroadcastFailed        BroadcastStatus = "failed"
	BroadcastCancelled     BroadcastStatus = "cancelled"
)

// IsTerminal reports whether no further transition may touch the broadcast.
func (s BroadcastStatus) IsTerminal() bool {
	switch s {
	case BroadcastSent, BroadcastPartiallySent, BroadcastFailed, BroadcastCancelled:
		return true
	}
	return false
}

// LogStatus is the aggregate outcome of one dispatch attempt.
type LogStatus string

const (
	LogComplete LogStatus = "complete"
	LogPartial  LogStatus = "partial"
	LogFailed   LogStatus = "failed"
)

// RecipientStatus is the outcome of one attempted delivery.
type RecipientStatus string

const (
	RecipientSent   RecipientStatus = "sent"
	RecipientFailed RecipientStatus = "failed"
)

var (
	// ErrNotFound is returned when a broadcast or message log does not exist.
	ErrNotFound = errors.New("broadcast not found")

	// ErrNotPending is returned when a transition requires the broadcast to
	// still be pending (cancellation, dispatch claim) and it no longer is.
	ErrNotPending = errors.New("broadcast is not in pending state")

	// ErrNoRecipients marks a dispatch attempt whose audience resolved to
	// nobody. It is a dispatch-level failure: nothing was sent, so the
	// attempt is retried rather than recorded as a result.
	ErrNoRecipients = errors.New("audience resolved to zero recipients")
)

// ScheduledBroadcast is a send intent bound to a point in time. It is
// exclusively owned and mutated by the scheduler once created.
type ScheduledBroadcast struct {
	ID           int64           `db:"id" json:"id"`
	Title        string          `db:"title" json:"title"`
	Body         string          `db:"body" json:"body"`
	Channel      string          `db:"channel" json:"channel"`
	Audience     string          `db:"audience" json:"audience"`
	ScheduledAt  time.Time       `db:"scheduled_at" json:"scheduledAt"`
	Status       BroadcastStatus `db:"status" json:"status"`
	SendAttempts int             `db:"send_attempts" json:"sendAttempts"`
	LastAttempt  *time.Time      `db:"last_attempt" json:"lastAttempt,omitempty"`
	MessageLogID *int64          `db:"message_log_id" json:"messageLogId,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
}

// Contact is one resolvable audience member.
type Contact struct {
	ID          int64  `db:"id" json:"id"`
	Address     string `db:"address" json:"address"`
	DisplayName string `db:"display_name" json:"displayName"`
	Audience    string `db:"audience" json:"audience"`
}

// RecipientOutcome is one attempted delivery within a dispatch.
type RecipientOutcome struct {
	RecipientID int64           `db:"recipient_id" json:"recipientId"`
	Address     string          `db:"address" json:"address"`
	DisplayName string          `db:"display_name" json:"displayName"`
	Status      RecipientStatus `db:"status" json:"status"`
	Error       string          `db:"error" json:"error,omitempty"`
	DeliveredAt *time.Time      `db:"delivered_at" json:"deliveredAt,omitempty"`
}

// MessageLog is the append-only audit record of one dispatch attempt.
// Once persisted it is never mutated; it is the durable evidence of what
// was attempted, independent of any later change to the schedule.
type MessageLog struct {
	ID          int64              `db:"id" json:"id"`
	BroadcastID int64              `db:"broadcast_id" json:"broadcastId"`
	Title       string             `db:"title" json:"title"`
	Content     string             `db:"content" json:"content"`
	Channel     string             `db:"channel" json:"channel"`
	Status      LogStatus          `db:"status" json:"status"`
	SentAt      time.Time          `db:"sent_at" json:"sentAt"`
	Recipients  []RecipientOutcome `json:"recipients"`
}

// AggregateOutcomes derives the log status from a set of per-recipient
// outcomes: complete when everything was delivered, failed when nothing
// was (including an empty set), partial otherwise.
func AggregateOutcomes(outcomes []RecipientOutcome) LogStatus {
	if len(outcomes) == 0 {
		return LogFailed
	}

	sent := 0
	for _, o := range outcomes {
		if o.Status == RecipientSent {
			sent++
		}
	}

	switch sent {
	case len(outcomes):
		return LogComplete
	case 0:
		return LogFailed
	default:
		return LogPartial
	}
}

// TerminalStatusFor maps a dispatch attempt's aggregate status to the
// broadcast's terminal state.
func TerminalStatusFor(status LogStatus) BroadcastStatus {
	switch status {
	case LogComplete:
		return BroadcastSent
	case LogPartial:
		return BroadcastPartiallySent
	default:
		return BroadcastFailed
	}
}

// NewMessageLog builds the audit record for one dispatch attempt.
func NewMessageLog(b *ScheduledBroadcast, outcomes []RecipientOutcome, sentAt time.Time) *MessageLog {
	return &MessageLog{
		BroadcastID: b.ID,
		Title:       b.Title,
		Content:     b.Body,
		Channel:     b.Channel,
		Status:      AggregateOutcomes(outcomes),
		SentAt:      sentAt,
		Recipients:  outcomes,
	}
}
