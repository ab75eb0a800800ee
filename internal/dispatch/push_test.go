package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPushDispatcher(t *testing.T, handler http.HandlerFunc) (*PushDispatcher, repository.NotificationRepository, *fakePublisher, *fakeTokens) {
	t.Helper()
	db := newTestDB(t)
	templates := repository.NewTemplateRepository(db)
	notifications := repository.NewNotificationRepository(db)
	publisher := &fakePublisher{}
	tokens := &fakeTokens{token: "tok-1"}

	d := NewPushDispatcher(templates, notifications, publisher, tokens, "test-project")
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		d.Endpoint = srv.URL
	}
	return d, notifications, publisher, tokens
}

func pushJob(t *testing.T, msg models.PushMessage) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return payload
}

func TestPushDeliverySuccess(t *testing.T) {
	var requests []map[string]interface{}
	d, notifications, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]interface{}
		_ = json.Unmarshal(body, &decoded)
		requests = append(requests, decoded)
		w.WriteHeader(http.StatusOK)
	})

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient: []string{"token-a", "token-b"},
		Type:      models.PushTypeToken,
		Title:     "Hello",
		Content:   "World",
	}))

	require.Len(t, requests, 2)
	message := requests[0]["message"].(map[string]interface{})
	assert.Equal(t, "token-a", message["token"])
	notification := message["notification"].(map[string]interface{})
	assert.Equal(t, "Hello", notification["title"])
	assert.Equal(t, "World", notification["body"])

	assert.Empty(t, publisher.messages, "no retry on success")

	// Both rows flipped to sent with a delivery timestamp.
	for _, recipient := range []string{"token-a", "token-b"} {
		assertStatus(t, notifications, recipient, models.StatusSent, true)
	}
}

func TestPushTemplateRendering(t *testing.T) {
	var body map[string]interface{}
	d, _, _, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	})

	tmpl := &models.Template{Name: "greet", Content: "Hi {{name}}, {{missing}}"}
	require.NoError(t, d.templates.CreateTemplate(context.Background(), tmpl))

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient:     []string{"token-a"},
		Type:          models.PushTypeToken,
		TemplateID:    &tmpl.ID,
		TemplateProps: map[string]string{"name": "Ada"},
		Title:         "Hello",
	}))

	message := body["message"].(map[string]interface{})
	notification := message["notification"].(map[string]interface{})
	assert.Equal(t, "Hi Ada, {{missing}}", notification["body"])
}

func TestPushMissingTemplateDropsJob(t *testing.T) {
	called := false
	d, _, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	missing := int32(999)
	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient:  []string{"token-a"},
		Type:       models.PushTypeToken,
		TemplateID: &missing,
		Title:      "Hello",
	}))

	assert.False(t, called, "no provider call without content")
	assert.Empty(t, publisher.messages)
}

func TestPushUnauthorizedRefreshesOnce(t *testing.T) {
	var auths []string
	d, notifications, _, tokens := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	tokens.token = "stale"
	tokens.next = "fresh"

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient: []string{"token-a"},
		Type:      models.PushTypeToken,
		Title:     "Hello",
	}))

	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, auths)
	assert.Equal(t, 1, tokens.refreshes)
	assertStatus(t, notifications, "token-a", models.StatusSent, true)
}

func TestPushRetryRepublishesWithIncrementedCount(t *testing.T) {
	d, notifications, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient: []string{"token-a"},
		Type:      models.PushTypeToken,
		Title:     "Hello",
	}))

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, bus.TopicPush, publisher.messages[0].topic)

	var retried models.PushMessage
	require.NoError(t, json.Unmarshal(publisher.messages[0].payload, &retried))
	assert.Equal(t, 1, retried.RetryCount)
	require.Len(t, retried.RetryIDs, 1, "retry ids survive the republish")

	// Still pending until the retry resolves it.
	assertStatus(t, notifications, "token-a", models.StatusPending, false)
}

func TestPushRetryBudgetExhaustedMarksFailed(t *testing.T) {
	d, notifications, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// Seed the rows a first attempt would have created.
	n := &models.Notification{Title: "Hello", Content: "x", Channel: models.ChannelPush}
	ids, err := notifications.CreateWithRecipients(context.Background(), n, []string{"token-a"})
	require.NoError(t, err)

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient:  []string{"token-a"},
		Type:       models.PushTypeToken,
		Title:      "Hello",
		Content:    "x",
		RetryCount: 2,
		RetryIDs:   ids,
	}))

	assert.Empty(t, publisher.messages, "budget exhausted, no republish")
	assertStatus(t, notifications, "token-a", models.StatusFailed, false)
}

func TestPushReplayDoesNotRegressSentRecipient(t *testing.T) {
	d, notifications, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// token-a went out on a previous attempt; the replayed job carries its
	// retry id and re-sends it alongside the recipient that keeps failing.
	n := &models.Notification{Title: "Hello", Content: "x", Channel: models.ChannelPush}
	ids, err := notifications.CreateWithRecipients(context.Background(), n, []string{"token-a", "token-b"})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, notifications.UpdateStatusByIDs(context.Background(), []int64{ids["token-a"]}, models.StatusSent, &now))

	d.HandleMessage(context.Background(), pushJob(t, models.PushMessage{
		Recipient:  []string{"token-a", "token-b"},
		Type:       models.PushTypeToken,
		Title:      "Hello",
		Content:    "x",
		RetryCount: 2,
		RetryIDs:   ids,
	}))

	assert.Empty(t, publisher.messages, "budget exhausted, no republish")
	assertStatus(t, notifications, "token-a", models.StatusSent, true)
}

func TestPushMalformedPayloadDropped(t *testing.T) {
	called := false
	d, _, publisher, _ := newPushDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	d.HandleMessage(context.Background(), []byte("{not json"))

	assert.False(t, called)
	assert.Empty(t, publisher.messages)
}

func assertStatus(t *testing.T, repo repository.NotificationRepository, recipient, wantStatus string, wantDelivered bool) {
	t.Helper()
	// Recipients in these tests map 1:1 to notification id 1.
	un := findUserNotification(t, repo, recipient)
	assert.Equal(t, wantStatus, un.Status, "recipient %s", recipient)
	if wantDelivered {
		assert.NotNil(t, un.DeliveredAt)
	} else {
		assert.Nil(t, un.DeliveredAt)
	}
}

func findUserNotification(t *testing.T, repo repository.NotificationRepository, recipient string) *models.UserNotification {
	t.Helper()
	for id := int64(1); id <= 16; id++ {
		un, err := repo.GetUserNotification(context.Background(), id)
		if err != nil {
			continue
		}
		if un.Recipient == recipient {
			return un
		}
	}
	t.Fatalf("no user notification for %s", recipient)
	return nil
}
