package database

import (
	"context"
	"testing"

	"biblio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrUpdateUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	u := &models.User{CodiceFiscale: "rssmra85t10a562s", Name: "Rossi Mario", Email: "old@example.com", ChatID: 10, Priority: 1}
	require.NoError(t, db.CreateOrUpdateUser(ctx, u))

	got, err := db.GetUserByCodiceFiscale(ctx, cfA)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", got.Email)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, int64(10), got.ChatID)

	// upsert keeps chat id and priority when not provided
	require.NoError(t, db.CreateOrUpdateUser(ctx, &models.User{CodiceFiscale: cfA, Name: "Rossi Mario", Email: "new@example.com", Priority: 5}))
	got, err = db.GetUserByCodiceFiscale(ctx, cfA)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, int64(10), got.ChatID)

	_, err = db.GetUserByCodiceFiscale(ctx, cfB)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSyncPriorities(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateOrUpdateUser(ctx, &models.User{CodiceFiscale: cfA, Name: "A", Email: "a@example.com", Priority: 4}))
	require.NoError(t, db.CreateOrUpdateUser(ctx, &models.User{CodiceFiscale: cfB, Name: "B", Email: "b@example.com", Priority: 1}))

	matched, err := db.SyncPriorities(ctx, map[string]int{
		"rssmra85t10a562s": 1,
		cfC:                1,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	a, err := db.GetUserByCodiceFiscale(ctx, cfA)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Priority)

	b, err := db.GetUserByCodiceFiscale(ctx, cfB)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Priority)
}
