// internal/model/queue_item.go
package model

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed || s == QueueCancelled
}

type RecipientKind string

const (
	RecipientSubscriber RecipientKind = "subscriber"
	RecipientExternal   RecipientKind = "external"
)

// RecipientRef identifies who a queue item is addressed to. For a stored
// subscriber the live subscriber row supplies the address at send time; for
// an external snapshot the copied Email/FirstName/LastName do, and
// SubscriberID (when non-zero) only links the minimal row holding the
// unsubscribe token.
type RecipientRef struct {
	Kind         RecipientKind `json:"kind"`
	SubscriberID int64         `json:"subscriber_id,omitempty"`
	Email        string        `json:"email,omitempty"`
	FirstName    string        `json:"first_name,omitempty"`
	LastName     string        `json:"last_name,omitempty"`
}

func StoredSubscriber(id int64) RecipientRef {
	return RecipientRef{Kind: RecipientSubscriber, SubscriberID: id}
}

func ExternalSnapshot(email, firstName, lastName string) RecipientRef {
	return RecipientRef{
		Kind:      RecipientExternal,
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
	}
}

type QueueItem struct {
	ID           int64        `db:"id" json:"id"`
	CampaignID   *int64       `db:"campaign_id" json:"campaign_id,omitempty"`
	Recipient    RecipientRef `json:"recipient"`
	Subject      string       `db:"subject" json:"subject"`
	Body         string       `db:"body" json:"body"`
	BCC          string       `db:"bcc" json:"bcc,omitempty"`
	Status       QueueStatus  `db:"status" json:"status"` // pending, processing, sent, failed, cancelled
	Attempts     int          `db:"attempts" json:"attempts"`
	ScheduledAt  time.Time    `db:"scheduled_at" json:"scheduled_at"`
	SentAt       *time.Time   `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// DueItem is a pending item selected by a dispatch cursor together with the
// recipient data it will be rendered for.
type DueItem struct {
	Item      *QueueItem
	Email     string
	FirstName string
	LastName  string
	Token     string
}

// QueueStats holds item counts per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Add folds a grouped count into the stats. Unknown statuses only count
// towards the total.
func (s *QueueStats) Add(status QueueStatus, n int) {
	switch status {
	case QueuePending:
		s.Pending += n
	case QueueProcessing:
		s.Processing += n
	case QueueSent:
		s.Sent += n
	case QueueFailed:
		s.Failed += n
	case QueueCancelled:
		s.Cancelled += n
	}
	s.Total += n
}
