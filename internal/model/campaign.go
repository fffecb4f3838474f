// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// Cancellable reports whether the campaign can still move to cancelled.
func (s CampaignStatus) Cancellable() bool {
	return s == CampaignPending || s == CampaignProcessing
}

type CampaignKind string

const (
	KindCampaign CampaignKind = "campaign"
	KindOneTime  CampaignKind = "one_time"
)

type Campaign struct {
	ID             int64          `db:"id" json:"id"`
	Subject        string         `db:"subject" json:"subject"`
	Body           string         `db:"body" json:"body"`
	ListRefs       []int64        `db:"list_refs" json:"list_refs"`
	Kind           CampaignKind   `db:"kind" json:"kind"`
	RecipientCount int            `db:"recipient_count" json:"recipient_count"`
	Status         CampaignStatus `db:"status" json:"status"`
	BCC            string         `db:"bcc" json:"bcc,omitempty"`
	ScheduledAt    time.Time      `db:"scheduled_at" json:"scheduled_at"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}
