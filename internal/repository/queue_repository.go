package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/model"
)

// InsertBatchSize caps the rows written by one multi-row INSERT.
const InsertBatchSize = 500

type QueueRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.QueueItem, error)
	ListByCampaign(ctx context.Context, campaignID int64, status string, offset, limit int) ([]*model.QueueItem, int, error)
	Stats(ctx context.Context) (model.QueueStats, error)

	// Dispatch
	RecoverStuck(ctx context.Context, cutoff, now time.Time) (int64, error)
	DueSubscriberItems(ctx context.Context, now time.Time, limit int) ([]*model.DueItem, error)
	DueExternalItems(ctx context.Context, now time.Time, limit int) ([]*model.DueItem, error)
	Claim(ctx context.Context, id int64, now time.Time) error
	MarkSent(ctx context.Context, id int64, now time.Time) error
	MarkFailed(ctx context.Context, id int64, now time.Time, message string) error

	// Control
	Cancel(ctx context.Context, id int64, now time.Time, reason string) error
}

type QueueRepository struct {
	DB *sql.DB
}

const queueColumns = "id, campaign_id, subscriber_id, recipient_kind, recipient_email, recipient_first_name, recipient_last_name, subject, body, bcc, status, attempts, scheduled_at, sent_at, error_message, created_at, updated_at"

// queueInsertColumns is queueColumns without id.
var queueInsertColumns = strings.TrimPrefix(queueColumns, "id, ")

var queueInsertColumnCount = len(strings.Split(queueInsertColumns, ", "))

// qualified prefixes every queue column with the q. alias.
func qualified(columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = "q." + p
	}
	return strings.Join(parts, ", ")
}

func scanQueueItem(scanner interface{ Scan(dest ...any) error }, extra ...any) (*model.QueueItem, error) {
	var (
		item         model.QueueItem
		campaignID   sql.NullInt64
		subscriberID sql.NullInt64
		kind         string
		status       string
		sentAt       sql.NullTime
	)

	dest := []any{
		&item.ID, &campaignID, &subscriberID, &kind,
		&item.Recipient.Email, &item.Recipient.FirstName, &item.Recipient.LastName,
		&item.Subject, &item.Body, &item.BCC, &status, &item.Attempts,
		&item.ScheduledAt, &sentAt, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if campaignID.Valid {
		id := campaignID.Int64
		item.CampaignID = &id
	}
	item.Recipient.Kind = model.RecipientKind(kind)
	item.Recipient.SubscriberID = subscriberID.Int64
	item.Status = model.QueueStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		item.SentAt = &t
	}
	return &item, nil
}

func queueItemArgs(item *model.QueueItem) []any {
	var campaignID, subscriberID any
	if item.CampaignID != nil {
		campaignID = *item.CampaignID
	}
	if item.Recipient.SubscriberID != 0 {
		subscriberID = item.Recipient.SubscriberID
	}
	return []any{
		campaignID, subscriberID, string(item.Recipient.Kind),
		item.Recipient.Email, item.Recipient.FirstName, item.Recipient.LastName,
		item.Subject, item.Body, item.BCC, string(item.Status), item.Attempts,
		item.ScheduledAt, nullTime(item.SentAt), item.ErrorMessage, item.CreatedAt, item.UpdatedAt,
	}
}

// insertQueueItems writes items inside tx in batches of InsertBatchSize rows
// and fills in their generated ids.
func insertQueueItems(ctx context.Context, tx *sql.Tx, items []*model.QueueItem) error {
	for start := 0; start < len(items); start += InsertBatchSize {
		end := start + InsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO queue_items (" + queueInsertColumns + ") VALUES ")
		args := make([]any, 0, len(batch)*queueInsertColumnCount)
		for i, item := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := 0; j < queueInsertColumnCount; j++ {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", len(args)+j+1)
			}
			sb.WriteString(")")
			args = append(args, queueItemArgs(item)...)
		}
		sb.WriteString(" RETURNING id")

		rows, err := tx.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("insert queue batch at %d: %w", start, err)
		}
		i := 0
		for rows.Next() {
			if i >= len(batch) {
				break
			}
			if err := rows.Scan(&batch[i].ID); err != nil {
				rows.Close()
				return fmt.Errorf("scan queue item id: %w", err)
			}
			i++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("insert queue batch at %d: %w", start, err)
		}
		rows.Close()
		if i != len(batch) {
			return fmt.Errorf("insert queue batch at %d: %d of %d rows returned", start, i, len(batch))
		}
	}
	return nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id int64) (*model.QueueItem, error) {
	item, err := scanQueueItem(r.DB.QueryRowContext(ctx, "SELECT "+queueColumns+" FROM queue_items WHERE id = $1", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewQueueItemNotFound(id)
		}
		return nil, err
	}
	return item, nil
}

func (r *QueueRepository) ListByCampaign(ctx context.Context, campaignID int64, status string, offset, limit int) ([]*model.QueueItem, int, error) {
	where := " WHERE campaign_id = $1"
	args := []interface{}{campaignID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}
	argPos := len(args) + 1

	query := "SELECT " + queueColumns + " FROM queue_items" + where +
		fmt.Sprintf(" ORDER BY id ASC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*model.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *QueueRepository) Stats(ctx context.Context) (model.QueueStats, error) {
	return groupStats(ctx, r.DB, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
}

// RecoverStuck resets processing items not touched since cutoff back to
// pending so a later tick retries them.
func (r *QueueRepository) RecoverStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', updated_at = $2 WHERE status = 'processing' AND updated_at < $1`,
		cutoff, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DueSubscriberItems selects pending stored-subscriber items whose subscriber
// is still active. Name and address come from the live subscriber row.
func (r *QueueRepository) DueSubscriberItems(ctx context.Context, now time.Time, limit int) ([]*model.DueItem, error) {
	query := "SELECT " + qualified(queueColumns) + `, s.email, s.first_name, s.last_name, s.token
		FROM queue_items q
		JOIN subscribers s ON s.id = q.subscriber_id
		WHERE q.status = 'pending'
		  AND q.recipient_kind = 'subscriber'
		  AND q.scheduled_at <= $1
		  AND s.status = 'active'
		ORDER BY q.id ASC
		LIMIT $2`
	return r.queryDue(ctx, query, now, limit)
}

// DueExternalItems selects pending external-snapshot items. The subscriber
// row is joined only for its unsubscribe token.
func (r *QueueRepository) DueExternalItems(ctx context.Context, now time.Time, limit int) ([]*model.DueItem, error) {
	query := "SELECT " + qualified(queueColumns) + `, q.recipient_email, q.recipient_first_name, q.recipient_last_name, COALESCE(s.token, '')
		FROM queue_items q
		LEFT JOIN subscribers s ON s.id = q.subscriber_id
		WHERE q.status = 'pending'
		  AND q.recipient_kind = 'external'
		  AND q.scheduled_at <= $1
		ORDER BY q.id ASC
		LIMIT $2`
	return r.queryDue(ctx, query, now, limit)
}

func (r *QueueRepository) queryDue(ctx context.Context, query string, now time.Time, limit int) ([]*model.DueItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*model.DueItem
	for rows.Next() {
		d := &model.DueItem{}
		item, err := scanQueueItem(rows, &d.Email, &d.FirstName, &d.LastName, &d.Token)
		if err != nil {
			return nil, err
		}
		d.Item = item
		due = append(due, d)
	}
	return due, rows.Err()
}

// Claim moves a pending item to processing and counts the attempt. It
// returns ErrNotClaimed when the item is no longer pending.
func (r *QueueRepository) Claim(ctx context.Context, id int64, now time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE queue_items SET status = 'processing', attempts = attempts + 1, updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkSent records a successful delivery. Only a processing item is updated,
// so a cancellation that landed after the claim wins.
func (r *QueueRepository) MarkSent(ctx context.Context, id int64, now time.Time) error {
	return r.finish(ctx,
		`UPDATE queue_items SET status = 'sent', sent_at = $2, error_message = '', updated_at = $2 WHERE id = $1 AND status = 'processing'`,
		id, now)
}

func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, now time.Time, message string) error {
	return r.finish(ctx,
		`UPDATE queue_items SET status = 'failed', error_message = $3, updated_at = $2 WHERE id = $1 AND status = 'processing'`,
		id, now, message)
}

func (r *QueueRepository) Cancel(ctx context.Context, id int64, now time.Time, reason string) error {
	return r.finish(ctx,
		`UPDATE queue_items SET status = 'cancelled', error_message = $3, updated_at = $2 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, now, reason)
}

func (r *QueueRepository) finish(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoTransition
	}
	return nil
}

var _ QueueRepositoryInterface = (*QueueRepository)(nil)
