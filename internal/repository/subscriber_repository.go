package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/mailcampaign/internal/model"
)

type SubscriberRepositoryInterface interface {
	GetByIDs(ctx context.Context, ids []int64) ([]*model.Subscriber, error)
	ListByLists(ctx context.Context, listIDs []int64) ([]*model.Subscriber, error)
	EnsureExternal(ctx context.Context, subs []*model.Subscriber) ([]*model.Subscriber, error)
}

type SubscriberRepository struct {
	DB *sql.DB
}

const subscriberColumns = "id, email, first_name, last_name, status, token, source, created_at"

func scanSubscriber(scanner interface{ Scan(dest ...any) error }) (*model.Subscriber, error) {
	var s model.Subscriber
	var status string
	if err := scanner.Scan(&s.ID, &s.Email, &s.FirstName, &s.LastName, &status, &s.Token, &s.Source, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Status = model.SubscriberStatus(status)
	return &s, nil
}

func (r *SubscriberRepository) GetByIDs(ctx context.Context, ids []int64) ([]*model.Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "SELECT "+subscriberColumns+" FROM subscribers WHERE id = ANY($1) ORDER BY id", pq.Array(ids))
}

// ListByLists expands list ids into their member subscribers, each once.
func (r *SubscriberRepository) ListByLists(ctx context.Context, listIDs []int64) ([]*model.Subscriber, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	query := "SELECT " + subscriberColumns + ` FROM subscribers
		WHERE id IN (SELECT subscriber_id FROM subscriber_lists WHERE list_id = ANY($1))
		ORDER BY id`
	return r.query(ctx, query, pq.Array(listIDs))
}

// EnsureExternal looks up subscribers by email and creates minimal rows for
// the ones that do not exist yet. Emails match case-insensitively. Existing
// rows keep their status and stored spelling, so an address that
// unsubscribed earlier comes back as unsubscribed.
func (r *SubscriberRepository) EnsureExternal(ctx context.Context, subs []*model.Subscriber) ([]*model.Subscriber, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO subscribers (email, first_name, last_name, status, token, source, created_at) VALUES ")
	args := make([]any, 0, len(subs)*7)
	emails := make([]string, 0, len(subs))
	now := time.Now()
	for i, s := range subs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		createdAt := s.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		args = append(args, s.Email, s.FirstName, s.LastName, string(s.Status), s.Token, s.Source, createdAt)
		emails = append(emails, strings.ToLower(s.Email))
	}
	sb.WriteString(" ON CONFLICT ((lower(email))) DO NOTHING")

	if _, err := r.DB.ExecContext(ctx, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("insert external subscribers: %w", err)
	}

	return r.query(ctx, "SELECT "+subscriberColumns+" FROM subscribers WHERE lower(email) = ANY($1) ORDER BY id", pq.Array(emails))
}

func (r *SubscriberRepository) query(ctx context.Context, query string, args ...any) ([]*model.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
