package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/observability"
	"relay/internal/repository"
)

// sendGridEndpoint is the default mail send URL.
const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// EmailDispatcher delivers email jobs through the SendGrid v3 mail API.
// A 2xx from the provider only means acceptance; the delivery webhook
// finalizes each recipient's status later.
type EmailDispatcher struct {
	templates     repository.TemplateRepository
	notifications repository.NotificationRepository
	publisher     bus.Publisher
	apiKey        string

	// Endpoint is the mail send URL; overridable in tests.
	Endpoint string
	client   *http.Client
	logger   *observability.JobLogger
	trace    *observability.TraceLayer
}

// NewEmailDispatcher builds a dispatcher authenticated with the given API key.
func NewEmailDispatcher(
	templates repository.TemplateRepository,
	notifications repository.NotificationRepository,
	publisher bus.Publisher,
	apiKey string,
) *EmailDispatcher {
	return &EmailDispatcher{
		templates:     templates,
		notifications: notifications,
		publisher:     publisher,
		apiKey:        apiKey,
		Endpoint:      sendGridEndpoint,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        observability.NewJobLogger("email-dispatcher"),
		trace:         observability.GetTraceLayer(),
	}
}

// HandleMessage processes one email job from the bus.
func (d *EmailDispatcher) HandleMessage(ctx context.Context, payload []byte) {
	start := time.Now()
	ctx, span := d.trace.TraceDispatch(ctx, models.ChannelEmail)
	defer span.End()

	err := d.dispatch(ctx, payload)
	observability.DispatchLatency.WithLabelValues(models.ChannelEmail).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		d.logger.LogError(ctx, bus.TopicEmail, err, nil)
		return
	}
	observability.DispatchOutcomes.WithLabelValues(models.ChannelEmail, "accepted").Inc()
	d.logger.LogOutcome(ctx, bus.TopicEmail, "accepted", nil)
}

func (d *EmailDispatcher) dispatch(ctx context.Context, payload []byte) error {
	var msg models.EmailMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelEmail, "parse_error").Inc()
		return fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	d.logger.LogClaim(ctx, bus.TopicEmail, map[string]interface{}{
		"recipients":  len(msg.To),
		"retry_count": msg.RetryCount,
	})

	content, err := d.resolveContent(ctx, &msg)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelEmail, "failed").Inc()
		return err
	}

	if msg.RetryCount == 0 {
		if err := d.recordNotification(ctx, &msg, content); err != nil {
			return err
		}
	}

	status, err := d.send(ctx, &msg, content)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}

	if retryErr := d.retryEnqueue(ctx, msg); retryErr != nil {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelEmail, "failed").Inc()
		ids := make([]int64, 0, len(msg.RetryIDs))
		for _, id := range msg.RetryIDs {
			ids = append(ids, id)
		}
		if err := d.notifications.UpdateStatusByIDs(ctx, ids, models.StatusFailed, nil); err != nil {
			d.logger.LogError(ctx, bus.TopicEmail, err, nil)
		}
	} else {
		observability.DispatchOutcomes.WithLabelValues(models.ChannelEmail, "retried").Inc()
	}
	return fmt.Errorf("%w: status %d", ErrRequestFailed, status)
}

func (d *EmailDispatcher) resolveContent(ctx context.Context, msg *models.EmailMessage) (string, error) {
	if msg.TemplateID == nil {
		return msg.Content, nil
	}
	tmpl, err := d.templates.GetTemplate(ctx, *msg.TemplateID)
	if err != nil {
		return "", fmt.Errorf("%w: template %d: %v", ErrMissingValue, *msg.TemplateID, err)
	}
	return Render(tmpl.Content, msg.TemplateProps), nil
}

func (d *EmailDispatcher) recordNotification(ctx context.Context, msg *models.EmailMessage, content string) error {
	recipients := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		recipients = append(recipients, to.Email)
	}
	n := models.Notification{
		TemplateID: msg.TemplateID,
		Title:      msg.Subject,
		Content:    content,
		Channel:    models.ChannelEmail,
	}
	ids, err := d.notifications.CreateWithRecipients(ctx, &n, recipients)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	msg.RetryIDs = ids
	// The webhook matches events back to rows through this id.
	msg.ID = n.ID
	return nil
}

func (d *EmailDispatcher) send(ctx context.Context, msg *models.EmailMessage, content string) (int, error) {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	request := map[string]interface{}{
		"personalizations": []map[string]interface{}{{
			"to": msg.To,
			"custom_args": map[string]string{
				"notification_id": strconv.FormatInt(msg.ID, 10),
			},
		}},
		"from":    msg.From,
		"subject": msg.Subject,
		"content": []map[string]string{{
			"type":  contentType,
			"value": content,
		}},
	}
	if len(msg.Attachments) > 0 {
		request["attachments"] = msg.Attachments
	}
	if msg.ReplyTo != nil {
		request["reply_to"] = msg.ReplyTo
	}

	body, err := json.Marshal(request)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *EmailDispatcher) retryEnqueue(ctx context.Context, msg models.EmailMessage) error {
	msg.RetryCount++
	if msg.RetryCount >= maxAttempts {
		return ErrRetryBudget
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, bus.TopicEmail, payload)
}
