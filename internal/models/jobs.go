package models

import "github.com/google/uuid"

// FCM target kinds for a push job.
const (
	PushTypeToken     = "token"
	PushTypeTopic     = "topic"
	PushTypeCondition = "condition"
)

// PushMessage is the job payload carried on the push topic.
// RetryIDs maps recipient -> user_notification id so retries reuse the rows
// inserted on the first attempt.
type PushMessage struct {
	Recipient     []string          `json:"recipient"`
	Type          string            `json:"type"`
	TemplateID    *int32            `json:"template_id,omitempty"`
	TemplateProps map[string]string `json:"template_props,omitempty"`
	Title         string            `json:"title"`
	Content       string            `json:"content,omitempty"`
	RetryCount    int               `json:"retry_count"`
	RetryIDs      map[string]int64  `json:"retry_ids"`
}

// EmailAddress is a SendGrid-shaped address pair.
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// EmailAttachment is a SendGrid-shaped attachment entry.
type EmailAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition,omitempty"`
}

// EmailMessage is the job payload carried on the email topic.
type EmailMessage struct {
	To            []EmailAddress    `json:"to"`
	From          EmailAddress      `json:"from"`
	TemplateID    *int32            `json:"template_id,omitempty"`
	TemplateProps map[string]string `json:"template_props,omitempty"`
	Subject       string            `json:"subject"`
	Content       string            `json:"content,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Attachments   []EmailAttachment `json:"attachments,omitempty"`
	ReplyTo       *EmailAddress     `json:"reply_to,omitempty"`
	RetryCount    int               `json:"retry_count"`
	RetryIDs      map[string]int64  `json:"retry_ids"`
	ID            int64             `json:"id"`
}

// SendNotification is the planner-facing send request. Recipient selects the
// user whose preferences, timezone and device tokens drive the fan-out.
type SendNotification struct {
	Recipient     *uuid.UUID        `json:"recipient,omitempty"`
	Type          string            `json:"type"`
	Channels      []string          `json:"channels"`
	From          EmailAddress      `json:"from"`
	Title         string            `json:"title"`
	Content       string            `json:"content,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	TemplateID    *int32            `json:"template_id,omitempty"`
	TemplateProps map[string]string `json:"template_props,omitempty"`
	Attachments   []EmailAttachment `json:"attachments,omitempty"`
	ReplyTo       *EmailAddress     `json:"reply_to,omitempty"`
}

// SendGridEvent is one entry of a SendGrid delivery webhook batch.
type SendGridEvent struct {
	Email      string            `json:"email"`
	Timestamp  int64             `json:"timestamp"`
	Event      string            `json:"event"`
	Status     string            `json:"status,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
	SGEventID  string            `json:"sg_event_id,omitempty"`
}
