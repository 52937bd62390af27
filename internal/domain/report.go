package domain

import "time"

// DispatchReport summarizes what one dispatch cycle did with one
// broadcast. It is transient operator-facing data; the MessageLog is the
// durable record.
type DispatchReport struct {
	BroadcastID  int64           `json:"broadcastId"`
	Title        string          `json:"title"`
	Result       BroadcastStatus `json:"result"`
	MessageLogID *int64          `json:"messageLogId,omitempty"`
	SentCount    int             `json:"sentCount"`
	FailedCount  int             `json:"failedCount"`
	SendAttempts int             `json:"sendAttempts"`
	CompletedAt  time.Time       `json:"completedAt"`
}

// Delivered reports whether at least one recipient received the message.
func (r DispatchReport) Delivered() bool {
	return r.SentCount > 0
}
