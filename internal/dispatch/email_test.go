package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmailDispatcher(t *testing.T, handler http.HandlerFunc) (*EmailDispatcher, repository.NotificationRepository, *fakePublisher) {
	t.Helper()
	db := newTestDB(t)
	templates := repository.NewTemplateRepository(db)
	notifications := repository.NewNotificationRepository(db)
	publisher := &fakePublisher{}

	d := NewEmailDispatcher(templates, notifications, publisher, "sg-key")
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		d.Endpoint = srv.URL
	}
	return d, notifications, publisher
}

func emailJob(t *testing.T, msg models.EmailMessage) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return payload
}

func TestEmailAcceptanceKeepsStatusPending(t *testing.T) {
	var body map[string]interface{}
	d, notifications, publisher := newEmailDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusAccepted)
	})

	d.HandleMessage(context.Background(), emailJob(t, models.EmailMessage{
		To:      []models.EmailAddress{{Email: "ada@example.com"}},
		From:    models.EmailAddress{Email: "noreply@relay.dev", Name: "Relay"},
		Subject: "Welcome",
		Content: "Hello!",
	}))

	require.NotNil(t, body)
	personalizations := body["personalizations"].([]interface{})
	first := personalizations[0].(map[string]interface{})
	customArgs := first["custom_args"].(map[string]interface{})
	// Notification id is minted on the first attempt and echoed by the webhook.
	assert.Equal(t, "1", customArgs["notification_id"])

	contents := body["content"].([]interface{})
	entry := contents[0].(map[string]interface{})
	assert.Equal(t, "text/plain", entry["type"])
	assert.Equal(t, "Hello!", entry["value"])

	assert.Empty(t, publisher.messages)
	// Acceptance is not delivery; the webhook finalizes the status.
	assertStatus(t, notifications, "ada@example.com", models.StatusPending, false)
}

func TestEmailRetryAndBudget(t *testing.T) {
	d, notifications, publisher := newEmailDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	d.HandleMessage(context.Background(), emailJob(t, models.EmailMessage{
		To:      []models.EmailAddress{{Email: "ada@example.com"}},
		From:    models.EmailAddress{Email: "noreply@relay.dev"},
		Subject: "Welcome",
		Content: "Hello!",
	}))

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, bus.TopicEmail, publisher.messages[0].topic)

	var retried models.EmailMessage
	require.NoError(t, json.Unmarshal(publisher.messages[0].payload, &retried))
	assert.Equal(t, 1, retried.RetryCount)
	assert.EqualValues(t, 1, retried.ID)
	require.Len(t, retried.RetryIDs, 1)

	// Replay the retried job until the budget runs out.
	d.HandleMessage(context.Background(), publisher.messages[0].payload)
	require.Len(t, publisher.messages, 2)
	d.HandleMessage(context.Background(), publisher.messages[1].payload)
	assert.Len(t, publisher.messages, 2, "third attempt exhausts the budget")

	assertStatus(t, notifications, "ada@example.com", models.StatusFailed, false)
}

func TestEmailAttachmentsAndReplyTo(t *testing.T) {
	var body map[string]interface{}
	d, _, _ := newEmailDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusAccepted)
	})

	d.HandleMessage(context.Background(), emailJob(t, models.EmailMessage{
		To:          []models.EmailAddress{{Email: "ada@example.com"}},
		From:        models.EmailAddress{Email: "noreply@relay.dev"},
		Subject:     "Invoice",
		Content:     "<b>attached</b>",
		ContentType: "text/html",
		Attachments: []models.EmailAttachment{{Content: "aGk=", Filename: "invoice.pdf"}},
		ReplyTo:     &models.EmailAddress{Email: "billing@relay.dev"},
	}))

	require.NotNil(t, body)
	attachments := body["attachments"].([]interface{})
	assert.Len(t, attachments, 1)
	replyTo := body["reply_to"].(map[string]interface{})
	assert.Equal(t, "billing@relay.dev", replyTo["email"])
	entry := body["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "text/html", entry["type"])
}

func TestWebhookFinalizesStatuses(t *testing.T) {
	db := newTestDB(t)
	notifications := repository.NewNotificationRepository(db)
	processor := NewWebhookProcessor(notifications)
	ctx := context.Background()

	n := &models.Notification{Title: "t", Content: "c", Channel: models.ChannelEmail}
	_, err := notifications.CreateWithRecipients(ctx, n, []string{"ok@example.com", "bad@example.com"})
	require.NoError(t, err)

	idStr := strconv.FormatInt(n.ID, 10)
	processor.ProcessEvents(ctx, []models.SendGridEvent{
		{
			Email:      "ok@example.com",
			Timestamp:  1700000000,
			Event:      "delivered",
			Status:     "delivered",
			CustomArgs: map[string]string{"notification_id": idStr},
		},
		{
			Email:      "bad@example.com",
			Timestamp:  1700000050,
			Event:      "bounce",
			Status:     "5.1.1",
			CustomArgs: map[string]string{"notification_id": idStr},
		},
		// Malformed id: skipped, does not stop the batch.
		{
			Email:      "ok@example.com",
			Timestamp:  1700000100,
			Status:     "delivered",
			CustomArgs: map[string]string{"notification_id": "not-a-number"},
		},
		// Missing custom args: skipped.
		{Email: "ok@example.com", Timestamp: 1700000100, Status: "delivered"},
	})

	ok := findUserNotification(t, notifications, "ok@example.com")
	assert.Equal(t, models.StatusSent, ok.Status)
	require.NotNil(t, ok.DeliveredAt)
	assert.EqualValues(t, 1700000000, ok.DeliveredAt.Unix())

	bad := findUserNotification(t, notifications, "bad@example.com")
	assert.Equal(t, models.StatusFailed, bad.Status)
}

func TestWebhookOutOfOrderEventsKeepSentFinal(t *testing.T) {
	db := newTestDB(t)
	notifications := repository.NewNotificationRepository(db)
	processor := NewWebhookProcessor(notifications)
	ctx := context.Background()

	n := &models.Notification{Title: "t", Content: "c", Channel: models.ChannelEmail}
	_, err := notifications.CreateWithRecipients(ctx, n, []string{"flaky@example.com"})
	require.NoError(t, err)

	idStr := strconv.FormatInt(n.ID, 10)
	processor.ProcessEvents(ctx, []models.SendGridEvent{{
		Email:      "flaky@example.com",
		Timestamp:  1700000000,
		Event:      "delivered",
		Status:     "delivered",
		CustomArgs: map[string]string{"notification_id": idStr},
	}})

	// SendGrid can emit a bounce for the same recipient after the delivery
	// event; a finalized row must not regress.
	processor.ProcessEvents(ctx, []models.SendGridEvent{{
		Email:      "flaky@example.com",
		Timestamp:  1700000060,
		Event:      "bounce",
		Status:     "5.1.1",
		CustomArgs: map[string]string{"notification_id": idStr},
	}})

	un := findUserNotification(t, notifications, "flaky@example.com")
	assert.Equal(t, models.StatusSent, un.Status)
	require.NotNil(t, un.DeliveredAt)
	assert.EqualValues(t, 1700000000, un.DeliveredAt.Unix())
}
