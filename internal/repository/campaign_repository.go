package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign lifecycle
	CreateWithItems(ctx context.Context, c *model.Campaign, items []*model.QueueItem) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	CompleteIfDone(ctx context.Context, id int64, now time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, now time.Time, reason string) (int64, error)

	// Reporting
	GetCampaignStats(ctx context.Context, campaignID int64) (model.QueueStats, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = "id, subject, body, list_refs, kind, recipient_count, status, bcc, scheduled_at, completed_at, created_at"

func scanCampaign(scanner interface{ Scan(dest ...any) error }) (*model.Campaign, error) {
	var (
		c           model.Campaign
		kind        string
		status      string
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&c.ID, &c.Subject, &c.Body, pq.Array(&c.ListRefs), &kind, &c.RecipientCount,
		&status, &c.BCC, &c.ScheduledAt, &completedAt, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.Kind = model.CampaignKind(kind)
	c.Status = model.CampaignStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// ====================== Campaign lifecycle ======================

// CreateWithItems inserts the campaign and all of its queue items in one
// transaction. Items are written in multi-row batches; any failure rolls the
// whole creation back so no partial campaign is ever visible.
func (r *CampaignRepository) CreateWithItems(ctx context.Context, c *model.Campaign, items []*model.QueueItem) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.CampaignPending
	}
	if c.Kind == "" {
		c.Kind = model.KindCampaign
	}
	listRefs := c.ListRefs
	if listRefs == nil {
		listRefs = []int64{}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin campaign tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO campaigns (subject, body, list_refs, kind, recipient_count, status, bcc, scheduled_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		c.Subject, c.Body, pq.Array(listRefs), string(c.Kind), c.RecipientCount,
		string(c.Status), c.BCC, c.ScheduledAt, nullTime(c.CompletedAt), c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	campaignID := c.ID
	for _, item := range items {
		item.CampaignID = &campaignID
	}
	if err := insertQueueItems(ctx, tx, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE id = $1"
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := " WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// MarkProcessing moves a pending campaign to processing. It is a no-op for
// any other status.
func (r *CampaignRepository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status = 'processing' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteIfDone marks the campaign completed when none of its items is
// pending or processing. Cancelled campaigns keep their status.
func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE campaigns SET status = 'completed', completed_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'processing')
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_items
		      WHERE campaign_id = $1 AND status IN ('pending', 'processing')
		  )
	`
	res, err := r.DB.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Cancel moves a pending/processing campaign to cancelled and, in the same
// transaction, cancels every item still in flight. It returns the number of
// items cancelled, or ErrNoTransition when the campaign was not cancellable.
func (r *CampaignRepository) Cancel(ctx context.Context, id int64, now time.Time, reason string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET status = 'cancelled', completed_at = $2 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, now)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, ErrNoTransition
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE queue_items SET status = 'cancelled', error_message = $3, updated_at = $2
		WHERE campaign_id = $1 AND status IN ('pending', 'processing')
	`, id, now, reason)
	if err != nil {
		return 0, err
	}
	cancelled, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel: %w", err)
	}
	return cancelled, nil
}

// ====================== Reporting ======================

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID int64) (model.QueueStats, error) {
	return groupStats(ctx, r.DB,
		`SELECT status, COUNT(*) FROM queue_items WHERE campaign_id = $1 GROUP BY status`, campaignID)
}

func groupStats(ctx context.Context, db *sql.DB, query string, args ...any) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Add(model.QueueStatus(status), count)
	}
	return stats, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
