package server

import (
	"encoding/json"
	"errors"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/planner"
	"relay/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// SendNotificationHandler runs the send planner: it resolves the recipient's
// preferences and DND window and enqueues the channel jobs.
func (s *Server) SendNotificationHandler(c *fiber.Ctx) error {
	var req models.SendNotification
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	outcome, err := s.planner.Plan(c.UserContext(), &req)
	switch {
	case errors.Is(err, planner.ErrNotImplemented):
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "broadcast send is not implemented",
		})
	case errors.Is(err, repository.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no preferences found for recipient",
		})
	case errors.Is(err, planner.ErrNoIntersection):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to plan notification",
		})
	}

	if outcome != "" {
		return c.JSON(fiber.Map{"message": outcome})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "notification enqueued"})
}

// SendPushHandler enqueues a raw push job, bypassing the planner.
func (s *Server) SendPushHandler(c *fiber.Ctx) error {
	var job models.PushMessage
	if err := c.BodyParser(&job); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid push job",
		})
	}
	if len(job.Recipient) == 0 || job.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "recipient and type are required",
		})
	}
	return s.enqueue(c, bus.TopicPush, job)
}

// SendEmailHandler enqueues a raw email job, bypassing the planner.
func (s *Server) SendEmailHandler(c *fiber.Ctx) error {
	var job models.EmailMessage
	if err := c.BodyParser(&job); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid email job",
		})
	}
	if len(job.To) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "at least one recipient is required",
		})
	}
	return s.enqueue(c, bus.TopicEmail, job)
}

func (s *Server) enqueue(c *fiber.Ctx, topic string, job interface{}) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid job payload",
		})
	}
	if err := s.publisher.Publish(c.UserContext(), topic, payload); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "message bus unavailable",
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "job enqueued"})
}

// SendGridWebhookHandler ingests a batch of delivery events and finalizes
// the matching user notification statuses.
func (s *Server) SendGridWebhookHandler(c *fiber.Ctx) error {
	var events []models.SendGridEvent
	if err := json.Unmarshal(c.Body(), &events); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid event batch",
		})
	}
	s.webhook.ProcessEvents(c.UserContext(), events)
	return c.SendStatus(fiber.StatusOK)
}
