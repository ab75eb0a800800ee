package repository

import (
	"context"
	"testing"

	"relay/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferencesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewPreferencesRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.GetPreferences(ctx, userID)
	assert.ErrorIs(t, err, ErrNotFound)

	start, end := "22:00:00", "06:00:00"
	prefs := &models.UserPreferences{
		UserID:                userID,
		Email:                 gofakeit.Email(),
		TransactionalChannels: []string{models.ChannelEmail, models.ChannelPush},
		SystemAlertChannels:   []string{models.ChannelPush},
		ChatChannels:          []string{models.ChannelPush},
		DoNotDisturbStart:     &start,
		DoNotDisturbEnd:       &end,
		TimeZone:              "Asia/Tokyo",
	}
	require.NoError(t, repo.UpsertPreferences(ctx, prefs))

	got, err := repo.GetPreferences(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, prefs.Email, got.Email)
	assert.Equal(t, "Asia/Tokyo", got.TimeZone)
	require.NotNil(t, got.DoNotDisturbStart)
	assert.Equal(t, "22:00:00", *got.DoNotDisturbStart)

	// Upsert overwrites.
	prefs.ChatChannels = []string{models.ChannelEmail}
	require.NoError(t, repo.UpsertPreferences(ctx, prefs))
	got, err = repo.GetPreferences(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.ChannelEmail}, got.ChatChannels)
}

func TestPreferencesChannelsDeduplicated(t *testing.T) {
	db := newTestDB(t)
	repo := NewPreferencesRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	prefs := &models.UserPreferences{
		UserID:              userID,
		Email:               gofakeit.Email(),
		SystemAlertChannels: []string{"push", "push", "email", "push"},
		TimeZone:            "UTC",
	}
	require.NoError(t, repo.UpsertPreferences(ctx, prefs))

	got, err := repo.GetPreferences(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"push", "email"}, got.SystemAlertChannels)
}

func TestDeviceTokens(t *testing.T) {
	db := newTestDB(t)
	repo := NewPreferencesRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	tokens, err := repo.GetDeviceTokens(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.NoError(t, repo.AddDeviceToken(ctx, userID, "token-1"))
	require.NoError(t, repo.AddDeviceToken(ctx, userID, "token-2"))
	require.NoError(t, repo.AddDeviceToken(ctx, uuid.New(), "other-user"))

	tokens, err = repo.GetDeviceTokens(ctx, userID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token-1", "token-2"}, tokens)

	require.NoError(t, repo.RemoveDeviceToken(ctx, userID, "token-1"))
	tokens, err = repo.GetDeviceTokens(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"token-2"}, tokens)
}

func TestTemplateRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewTemplateRepository(db)
	ctx := context.Background()

	_, err := repo.GetTemplate(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	tmpl := &models.Template{Name: "welcome", Content: "Hello {{name}}!"}
	require.NoError(t, repo.CreateTemplate(ctx, tmpl))

	got, err := repo.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}!", got.Content)

	byName, err := repo.GetTemplateByName(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, tmpl.ID, byName.ID)

	list, err := repo.ListTemplates(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
