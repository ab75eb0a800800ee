// Package planner turns a send request into channel-specific jobs on the bus,
// honoring the recipient's preferences and do-not-disturb window.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relay/internal/bus"
	"relay/internal/models"
	"relay/internal/observability"
	"relay/internal/repository"
)

var (
	// ErrNotImplemented is returned for broadcast sends (no recipient).
	ErrNotImplemented = errors.New("broadcast send is not implemented")
	// ErrNoIntersection is returned when the user's preferred channels and
	// the requested channels do not overlap.
	ErrNoIntersection = errors.New("no intersection between user channels and requested channels")
)

// DNDMessage is returned when the recipient's do-not-disturb window is active.
const DNDMessage = "User is in do not disturb mode, notification will be sent later"

const timeOfDayLayout = "15:04:05"

// Planner resolves recipients into enqueued push and email jobs.
type Planner struct {
	prefs     repository.PreferencesRepository
	publisher bus.Publisher
	logger    *observability.Logger

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// New returns a planner over the given preferences store and publisher.
func New(prefs repository.PreferencesRepository, publisher bus.Publisher) *Planner {
	return &Planner{
		prefs:     prefs,
		publisher: publisher,
		logger:    observability.GlobalLogger,
		now:       time.Now,
	}
}

// Plan fans the request out to the recipient's eligible channels. The
// returned string is a human-readable outcome ("" when jobs were enqueued).
func (p *Planner) Plan(ctx context.Context, req *models.SendNotification) (string, error) {
	if req.Recipient == nil {
		return "", ErrNotImplemented
	}

	prefs, err := p.prefs.GetPreferences(ctx, *req.Recipient)
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}

	inDND, err := p.inDoNotDisturb(prefs)
	if err != nil {
		return "", err
	}
	if inDND {
		return DNDMessage, nil
	}

	channels := intersect(prefs.ChannelsFor(req.Type), req.Channels)
	if len(channels) == 0 {
		return "", ErrNoIntersection
	}

	for _, channel := range channels {
		switch channel {
		case models.ChannelEmail:
			if err := p.enqueueEmail(ctx, req, prefs); err != nil {
				return "", err
			}
		case models.ChannelPush:
			if err := p.enqueuePush(ctx, req); err != nil {
				return "", err
			}
		}
	}
	return "", nil
}

// inDoNotDisturb reports whether the user's local time-of-day falls inside
// the inclusive DND window. Windows may wrap midnight (22:00-06:00).
func (p *Planner) inDoNotDisturb(prefs *models.UserPreferences) (bool, error) {
	if prefs.DoNotDisturbStart == nil || prefs.DoNotDisturbEnd == nil {
		return false, nil
	}

	loc, err := time.LoadLocation(prefs.TimeZone)
	if err != nil {
		return false, fmt.Errorf("parse time zone %q: %w", prefs.TimeZone, err)
	}
	start, err := time.Parse(timeOfDayLayout, *prefs.DoNotDisturbStart)
	if err != nil {
		return false, fmt.Errorf("parse do_not_disturb_start: %w", err)
	}
	end, err := time.Parse(timeOfDayLayout, *prefs.DoNotDisturbEnd)
	if err != nil {
		return false, fmt.Errorf("parse do_not_disturb_end: %w", err)
	}

	local := p.now().In(loc)
	current := secondsOfDay(local.Hour(), local.Minute(), local.Second())
	startSec := secondsOfDay(start.Clock())
	endSec := secondsOfDay(end.Clock())

	if startSec <= endSec {
		return current >= startSec && current <= endSec, nil
	}
	return current >= startSec || current <= endSec, nil
}

func secondsOfDay(h, m, s int) int {
	return h*3600 + m*60 + s
}

func (p *Planner) enqueueEmail(ctx context.Context, req *models.SendNotification, prefs *models.UserPreferences) error {
	job := models.EmailMessage{
		To:            []models.EmailAddress{{Email: prefs.Email}},
		From:          req.From,
		TemplateID:    req.TemplateID,
		TemplateProps: req.TemplateProps,
		Subject:       req.Title,
		Content:       req.Content,
		ContentType:   req.ContentType,
		Attachments:   req.Attachments,
		ReplyTo:       req.ReplyTo,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, bus.TopicEmail, payload)
}

func (p *Planner) enqueuePush(ctx context.Context, req *models.SendNotification) error {
	tokens, err := p.prefs.GetDeviceTokens(ctx, *req.Recipient)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}

	job := models.PushMessage{
		Recipient:     tokens,
		Type:          models.PushTypeToken,
		TemplateID:    req.TemplateID,
		TemplateProps: req.TemplateProps,
		Title:         req.Title,
		Content:       req.Content,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, bus.TopicPush, payload)
}

// intersect keeps the user's preferred channels that were also requested,
// preserving preference order.
func intersect(preferred, requested []string) []string {
	want := make(map[string]struct{}, len(requested))
	for _, c := range requested {
		want[c] = struct{}{}
	}
	var out []string
	for _, c := range preferred {
		if _, ok := want[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
