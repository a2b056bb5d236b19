package pgstore

import (
	"context"
	"testing"
	"time"

	"biblio/internal/database"
	"biblio/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("biblio"),
		postgres.WithUsername("biblio"),
		postgres.WithPassword("biblio"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	logger := zerolog.Nop()
	s, err := New(ctx, dsn, rome, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reservation(cf, start string, duration int) *models.Reservation {
	return &models.Reservation{
		Owner:        models.Owner{CodiceFiscale: cf, Name: "Test", Email: "test@example.com"},
		SelectedDate: "2025-04-07",
		StartTime:    start,
		Duration:     duration,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	rome := s.loc

	require.NoError(t, s.CreateOrUpdateUser(ctx, &models.User{
		CodiceFiscale: "RSSMRA85T10A562S", Name: "A", Email: "a@example.com", Priority: 1, ChatID: 55,
	}))

	low := reservation("VRDLGU90A01F205X", "10:00", 2)
	high := reservation("RSSMRA85T10A562S", "12:00", 1)
	require.NoError(t, s.Create(ctx, low))
	require.NoError(t, s.Create(ctx, high))

	now := time.Date(2025, 4, 7, 9, 0, 0, 0, rome)
	claimed, err := s.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, int64(55), claimed[0].ChatID)
	assert.Equal(t, models.StatusPending, claimed[0].OriginalStatus)

	again, err := s.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Update(ctx, high.ID, models.ReservationUpdate{
		Status: models.StatusSuccess, BookingCode: "123456", Retries: 0, StatusChange: true,
	}))
	err = s.Update(ctx, high.ID, models.ReservationUpdate{Status: models.StatusFail, Retries: 1})
	assert.ErrorIs(t, err, database.ErrTerminal)

	swept, err := s.Sweep(ctx, now.Add(10*time.Minute), 5*time.Minute, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, low.ID, swept[0].ID)
	assert.Equal(t, models.StatusFail, swept[0].Status)

	got, err := s.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
	assert.True(t, got.StatusChange)

	ids, err := s.ChatIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{55}, ids)

	matched, err := s.SyncPriorities(ctx, map[string]int{"rssmra85t10a562s": 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	require.NoError(t, s.MarkCanceled(ctx, high.ID))
	assert.ErrorIs(t, s.MarkCanceled(ctx, "missing"), database.ErrNotFound)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
