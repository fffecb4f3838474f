// internal/model/subscriber.go
package model

import "time"

type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

type Subscriber struct {
	ID        int64            `db:"id" json:"id"`
	Email     string           `db:"email" json:"email"`
	FirstName string           `db:"first_name" json:"first_name"`
	LastName  string           `db:"last_name" json:"last_name"`
	Status    SubscriberStatus `db:"status" json:"status"`
	Token     string           `db:"token" json:"-"`
	Source    string           `db:"source" json:"source,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}
