package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/service"
)

func seedList(env *testEnv, listID int64, emails ...string) {
	for _, e := range emails {
		env.store.AddSubscriber(e, "", "", model.SubscriberActive, listID)
	}
}

func TestCreateCampaignStoresOneItemPerRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Template.Header = "<header>"
	env.svc.Template.Footer = "<footer>"
	seedList(env, 1, "a@example.com", "b@example.com")

	id, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{
		Subject:  "  Spring sale ",
		Body:     "Hi {first_name}",
		ListIDs:  []int64{1},
		External: []service.ExternalRecipient{{Email: "c@example.com"}, {Email: "A@example.com"}},
		BCC:      "audit@example.com, nope, audit@example.com",
	})
	require.NoError(t, err)

	c := env.store.Campaign(id)
	require.NotNil(t, c)
	items := env.store.Items(id)
	assert.Equal(t, 3, c.RecipientCount)
	assert.Len(t, items, c.RecipientCount)
	assert.Equal(t, model.CampaignPending, c.Status)
	assert.Equal(t, model.KindCampaign, c.Kind)
	assert.Equal(t, []int64{1}, c.ListRefs)
	assert.Equal(t, "audit@example.com", c.BCC)

	for _, it := range items {
		assert.Equal(t, "Spring sale", it.Subject)
		assert.Equal(t, "<header>Hi {first_name}<footer>", it.Body)
		assert.Equal(t, model.QueuePending, it.Status)
		assert.Equal(t, "audit@example.com", it.BCC)
		assert.True(t, baseTime.Equal(it.ScheduledAt))
	}
	assert.Equal(t, model.RecipientExternal, items[2].Recipient.Kind)
	assert.Equal(t, "c@example.com", items[2].Recipient.Email)
}

func TestCreateCampaignSchedulesRounded(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(7 * time.Minute)
	seedList(env, 1, "a@example.com")

	id, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{
		Subject:  "Later",
		Body:     "Body",
		ListIDs:  []int64{1},
		Schedule: service.Schedule{Mode: service.ScheduleRelative, Delay: 90, Unit: "minutes"},
	})
	require.NoError(t, err)

	want := time.Date(2026, 3, 2, 10, 40, 0, 0, time.UTC)
	assert.True(t, want.Equal(env.store.Campaign(id).ScheduledAt), "got %s", env.store.Campaign(id).ScheduledAt)
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t)
	seedList(env, 1, "a@example.com")

	_, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: " ", Body: "x", ListIDs: []int64{1}})
	assert.True(t, appErrors.IsValidation(err))

	_, err = env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "x", ListIDs: []int64{99}})
	assert.Equal(t, appErrors.CodeNoRecipients, appErrors.CodeOf(err))

	assert.Nil(t, env.store.Campaign(1))
}

func TestCreateCampaignStoreFailureLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	seedList(env, 1, "a@example.com")
	env.store.CreateErr = errors.New("insert queue batch at 0: connection reset")

	_, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "y", ListIDs: []int64{1}})
	require.Error(t, err)
	assert.Equal(t, appErrors.CodeInternal, appErrors.CodeOf(err))
	assert.Nil(t, env.store.Campaign(1))
}

func TestCreateOneTimeImmediate(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.CreateOneTime(context.Background(), service.OneTimeRequest{
		RecipientEmail: "Guest@Example.com",
		RecipientName:  "Grace Brewster Hopper",
		Subject:        "Welcome {first_name}",
		Body:           "Hello {recipient_name}. {unsubscribe_link}",
		Immediate:      true,
	})
	require.NoError(t, err)

	item := env.store.Item(id)
	require.NotNil(t, item)
	assert.Equal(t, model.QueueSent, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.SentAt)

	c := env.store.Campaign(*item.CampaignID)
	assert.Equal(t, model.KindOneTime, c.Kind)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, 1, c.RecipientCount)
	assert.NotNil(t, c.CompletedAt)

	sent := env.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "guest@example.com", sent[0].To)
	assert.Equal(t, "Welcome Grace", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Hello Grace Brewster Hopper.")
	assert.Contains(t, sent[0].Body, "https://example.com/unsubscribe?token=")
}

func TestCreateOneTimeImmediateFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.mail.Fail = func(mailer.Message) string { return "550 mailbox unavailable" }

	id, err := env.svc.CreateOneTime(context.Background(), service.OneTimeRequest{
		RecipientEmail: "guest@example.com",
		Subject:        "Hi",
		Body:           "Body",
		Immediate:      true,
	})
	require.NoError(t, err)

	item := env.store.Item(id)
	assert.Equal(t, model.QueueFailed, item.Status)
	assert.Equal(t, "550 mailbox unavailable", item.ErrorMessage)
	assert.Equal(t, model.CampaignCompleted, env.store.Campaign(*item.CampaignID).Status)
}

func TestCreateOneTimeImmediateStoreFailureSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.store.CreateErr = errors.New("connection reset")

	_, err := env.svc.CreateOneTime(context.Background(), service.OneTimeRequest{
		RecipientEmail: "guest@example.com",
		Subject:        "Hi",
		Body:           "Body",
		Immediate:      true,
	})
	require.Error(t, err)
	assert.Empty(t, env.mail.Sent())
	assert.Nil(t, env.store.Campaign(1))
}

func TestCreateOneTimeScheduled(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.CreateOneTime(context.Background(), service.OneTimeRequest{
		RecipientEmail: "guest@example.com",
		Subject:        "Hi",
		Body:           "Body",
		Schedule:       service.Schedule{Mode: service.ScheduleAbsolute, At: "2026-03-02T14:07"},
	})
	require.NoError(t, err)

	item := env.store.Item(id)
	assert.Equal(t, model.QueuePending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.True(t, time.Date(2026, 3, 2, 14, 10, 0, 0, time.UTC).Equal(item.ScheduledAt))
	assert.Empty(t, env.mail.Sent())

	_, err = env.svc.CreateOneTime(context.Background(), service.OneTimeRequest{RecipientEmail: "nope", Subject: "Hi", Body: "Body"})
	assert.True(t, appErrors.IsValidation(err))
}

func TestCancelCampaignCascades(t *testing.T) {
	env := newTestEnv(t)
	env.disp.Config.EmailsPerMinute = 1
	seedList(env, 1, "a@example.com", "b@example.com", "c@example.com")
	id, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "y", ListIDs: []int64{1}})
	require.NoError(t, err)
	env.disp.Tick(context.Background())

	n, err := env.svc.CancelCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	c := env.store.Campaign(id)
	assert.Equal(t, model.CampaignCancelled, c.Status)
	assert.NotNil(t, c.CompletedAt)

	items := env.store.Items(id)
	assert.Equal(t, model.QueueSent, items[0].Status)
	for _, it := range items[1:] {
		assert.Equal(t, model.QueueCancelled, it.Status)
		assert.Equal(t, service.CancelledByAdmin, it.ErrorMessage)
	}

	_, err = env.svc.CancelCampaign(context.Background(), id)
	assert.True(t, appErrors.IsNotCancellable(err))

	_, err = env.svc.CancelCampaign(context.Background(), 999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestCancelQueueItem(t *testing.T) {
	env := newTestEnv(t)
	env.disp.Config.EmailsPerMinute = 1
	seedList(env, 1, "a@example.com", "b@example.com")
	id, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "y", ListIDs: []int64{1}})
	require.NoError(t, err)
	env.disp.Tick(context.Background())

	items := env.store.Items(id)
	require.NoError(t, env.svc.CancelQueueItem(context.Background(), items[1].ID))

	cancelled := env.store.Item(items[1].ID)
	assert.Equal(t, model.QueueCancelled, cancelled.Status)
	assert.Equal(t, service.CancelledByAdmin, cancelled.ErrorMessage)
	assert.Equal(t, model.CampaignCompleted, env.store.Campaign(id).Status)

	err = env.svc.CancelQueueItem(context.Background(), items[0].ID)
	assert.True(t, appErrors.IsNotCancellable(err))

	err = env.svc.CancelQueueItem(context.Background(), 999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestListCampaignsPagination(t *testing.T) {
	env := newTestEnv(t)
	seedList(env, 1, "a@example.com")
	for i := 0; i < 5; i++ {
		_, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "y", ListIDs: []int64{1}})
		require.NoError(t, err)
	}

	page1, meta, err := env.svc.ListCampaigns(context.Background(), 1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"page": 1, "page_size": 2, "total_count": 5, "total_pages": 3}, meta)
	require.Len(t, page1, 2)
	assert.Greater(t, page1[0].ID, page1[1].ID)
	assert.Equal(t, 1, page1[0].Stats.Pending)

	page3, _, err := env.svc.ListCampaigns(context.Background(), 3, 2, "")
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	_, meta, err = env.svc.ListCampaigns(context.Background(), 0, 1000, "pending")
	require.NoError(t, err)
	assert.Equal(t, 1, meta["page"])
	assert.Equal(t, 100, meta["page_size"])

	_, _, err = env.svc.ListCampaigns(context.Background(), 1, 10, "draft")
	assert.True(t, appErrors.IsValidation(err))
}

func TestGetCampaignAndQueueItems(t *testing.T) {
	env := newTestEnv(t)
	seedList(env, 1, "a@example.com", "b@example.com")
	id, err := env.svc.CreateCampaign(context.Background(), service.CreateCampaignRequest{Subject: "x", Body: "y", ListIDs: []int64{1}})
	require.NoError(t, err)

	details, err := env.svc.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, details.Stats.Pending)
	assert.Equal(t, 2, details.Stats.Total)

	items, meta, err := env.svc.ListQueueItems(context.Background(), id, "pending", 1, 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, meta["total_count"])

	item, err := env.svc.GetQueueItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, item.ID)

	_, err = env.svc.GetCampaign(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))
	_, _, err = env.svc.ListQueueItems(context.Background(), 404, "", 1, 10)
	assert.True(t, appErrors.IsNotFound(err))
	_, err = env.svc.GetQueueItem(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))

	stats, err := env.svc.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestPreviewMessage(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Template.Footer = "\n-- {email}"

	p := env.svc.PreviewMessage("Hi {first_name}", "Dear {recipient_name} {unknown}", map[string]string{
		"first_name":     "Ada",
		"recipient_name": "Ada Lovelace",
		"email":          "ada@example.com",
	})
	assert.Equal(t, "Hi Ada", p.Subject)
	assert.Equal(t, "Dear Ada Lovelace {unknown}\n-- ada@example.com", p.Body)
}

func TestParseBCCAndSplitName(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, service.ParseBCC(" A@example.com; b@example.com,bad,, a@example.com"))
	assert.Empty(t, service.ParseBCC(""))

	first, last := service.SplitName("  Ada   King Lovelace ")
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "King Lovelace", last)
	first, last = service.SplitName("")
	assert.Empty(t, first)
	assert.Empty(t, last)
}
