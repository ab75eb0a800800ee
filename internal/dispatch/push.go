package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/observability"
	"relay/internal/repository"
)

// TokenSource supplies OAuth bearer tokens for the push provider.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	UpdateToken(ctx context.Context) error
}

// maxAttempts bounds how often a job may be republished before its
// recipients are marked failed.
const maxAttempts = 3

// PushDispatcher delivers push jobs to the FCM v1 send endpoint.
type PushDispatcher struct {
	templates     repository.TemplateRepository
	notifications repository.NotificationRepository
	publisher     bus.Publisher
	tokens        TokenSource

	// Endpoint is the full messages:send URL; overridable in tests.
	Endpoint string
	client   *http.Client
	logger   *observability.JobLogger
	trace    *observability.TraceLayer
}

// NewPushDispatcher builds a dispatcher for the given FCM project.
func NewPushDispatcher(
	templates repository.TemplateRepository,
	notifications repository.NotificationRepository,
	publisher bus.Publisher,
	tokens TokenSource,
	projectID string,
) *PushDispatcher {
	return &PushDispatcher{
		templates:     templates,
		notifications: notifications,
		publisher:     publisher,
		tokens:        tokens,
		Endpoint:      fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID),
		client:        &http.Client{Timeout: 3 * time.Second},
		logger:        observability.NewJobLogger("push-dispatcher"),
		trace:         observability.GetTraceLayer(),
	}
}

// HandleMessage processes one push job from the bus. Errors are terminal for
// the job (already retried or dropped), so the consume loop never fails.
func (d *PushDispatcher) HandleMessage(ctx context.Context, payload []byte) {
	start := time.Now()
	ctx, span := d.trace.TraceDispatch(ctx, models.ChannelPush)
	defer span.End()

	err := d.dispatch(ctx, payload)
	observability.DispatchLatency.WithLabelValues(models.ChannelPush).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		d.logger.LogError(ctx, bus.TopicPush, err, nil)
		return
	}
	observability.DispatchOutcomes.WithLabelValues(models.ChannelPush, "sent").Inc()
	d.logger.LogOutcome(ctx, bus.TopicPush, "sent", nil)
}

func (d *PushDispatcher) dispatch(ctx context.Context, payload []byte) error {
	var msg models.PushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelPush, "parse_error").Inc()
		return fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	d.logger.LogClaim(ctx, bus.TopicPush, map[string]interface{}{
		"recipients":  len(msg.Recipient),
		"retry_count": msg.RetryCount,
	})

	content, err := d.resolveContent(ctx, &msg)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelPush, "failed").Inc()
		return err
	}

	if msg.RetryCount == 0 {
		if err := d.recordNotification(ctx, &msg, content); err != nil {
			return err
		}
	}

	token, err := d.tokens.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("acquire provider token: %w", err)
	}

	for _, recipient := range msg.Recipient {
		userNotificationID, tracked := msg.RetryIDs[recipient]

		status, err := d.send(ctx, token, recipient, msg.Type, msg.Title, content)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			// Stale bearer; refresh once and replay the request.
			if err := d.tokens.UpdateToken(ctx); err != nil {
				return fmt.Errorf("refresh provider token: %w", err)
			}
			if token, err = d.tokens.GetToken(ctx); err != nil {
				return fmt.Errorf("acquire provider token: %w", err)
			}
			if status, err = d.send(ctx, token, recipient, msg.Type, msg.Title, content); err != nil {
				return err
			}
		}

		if status >= 200 && status < 300 {
			if tracked {
				now := time.Now().UTC()
				if err := d.notifications.UpdateStatusByIDs(ctx, []int64{userNotificationID}, models.StatusSent, &now); err != nil {
					d.logger.LogError(ctx, bus.TopicPush, err, map[string]interface{}{"recipient": recipient})
				}
			}
			continue
		}

		if retryErr := d.retryEnqueue(ctx, msg); retryErr != nil {
			observability.DispatchOutcomes.WithLabelValues(models.ChannelPush, "failed").Inc()
			if tracked {
				if err := d.notifications.UpdateStatusByIDs(ctx, []int64{userNotificationID}, models.StatusFailed, nil); err != nil {
					d.logger.LogError(ctx, bus.TopicPush, err, map[string]interface{}{"recipient": recipient})
				}
			}
		} else {
			observability.DispatchOutcomes.WithLabelValues(models.ChannelPush, "retried").Inc()
		}
		return fmt.Errorf("%w: status %d", ErrRequestFailed, status)
	}
	return nil
}

func (d *PushDispatcher) resolveContent(ctx context.Context, msg *models.PushMessage) (string, error) {
	if msg.TemplateID == nil {
		return msg.Content, nil
	}
	tmpl, err := d.templates.GetTemplate(ctx, *msg.TemplateID)
	if err != nil {
		return "", fmt.Errorf("%w: template %d: %v", ErrMissingValue, *msg.TemplateID, err)
	}
	return Render(tmpl.Content, msg.TemplateProps), nil
}

// recordNotification writes the notification row and, for token sends, one
// pending UserNotification per recipient, capturing retry ids so later
// attempts reuse the same rows.
func (d *PushDispatcher) recordNotification(ctx context.Context, msg *models.PushMessage, content string) error {
	var recipients []string
	if msg.Type == models.PushTypeToken {
		recipients = msg.Recipient
	}
	n := models.Notification{
		TemplateID: msg.TemplateID,
		Title:      msg.Title,
		Content:    content,
		Channel:    models.ChannelPush,
	}
	ids, err := d.notifications.CreateWithRecipients(ctx, &n, recipients)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	msg.RetryIDs = ids
	return nil
}

func (d *PushDispatcher) send(ctx context.Context, token, recipient, targetType, title, content string) (int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			targetType: recipient,
			"notification": map[string]string{
				"title": title,
				"body":  content,
			},
		},
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *PushDispatcher) retryEnqueue(ctx context.Context, msg models.PushMessage) error {
	msg.RetryCount++
	if msg.RetryCount >= maxAttempts {
		return ErrRetryBudget
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, bus.TopicPush, payload)
}
