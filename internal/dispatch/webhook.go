package dispatch

import (
	"context"
	"strconv"
	"time"

	"relay/internal/models"
	"relay/internal/observability"
	"relay/internal/repository"
)

// WebhookProcessor applies provider delivery events to UserNotification rows.
type WebhookProcessor struct {
	notifications repository.NotificationRepository
	logger        *observability.JobLogger
}

// NewWebhookProcessor returns a processor over the notification repository.
func NewWebhookProcessor(notifications repository.NotificationRepository) *WebhookProcessor {
	return &WebhookProcessor{
		notifications: notifications,
		logger:        observability.NewJobLogger("sendgrid-webhook"),
	}
}

// ProcessEvents finalizes delivery statuses from a provider event batch.
// Malformed events are logged and skipped; one bad event never blocks the rest.
func (p *WebhookProcessor) ProcessEvents(ctx context.Context, events []models.SendGridEvent) {
	for _, event := range events {
		if event.Email == "" || event.CustomArgs == nil {
			continue
		}
		rawID, ok := event.CustomArgs["notification_id"]
		if !ok {
			continue
		}
		notificationID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			p.logger.LogError(ctx, "webhook", err, map[string]interface{}{"notification_id": rawID})
			continue
		}
		if event.Status == "" {
			p.logger.LogError(ctx, "webhook", ErrMissingValue, map[string]interface{}{"email": event.Email})
			continue
		}

		status := models.StatusFailed
		if event.Status == "delivered" {
			status = models.StatusSent
		}
		deliveredAt := time.Unix(event.Timestamp, 0).UTC()

		if err := p.notifications.UpdateStatusByRecipient(ctx, event.Email, notificationID, status, &deliveredAt); err != nil {
			p.logger.LogError(ctx, "webhook", err, map[string]interface{}{
				"email":           event.Email,
				"notification_id": notificationID,
			})
		}
	}
}
