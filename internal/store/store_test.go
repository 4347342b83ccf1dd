package store

import (
	"context"
	"testing"
	"time"

	"peepal-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.UnixMilli(1_760_000_000_000)

func testSubscription(endpoint string) models.PushSubscription {
	return models.PushSubscription{
		Endpoint: endpoint,
		Keys:     models.PushKeys{P256dh: "p256dh-" + endpoint, Auth: "auth"},
	}
}

// runStoreSuite exercises the SubscriptionStore contract. newStore must
// return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) SubscriptionStore) {
	ctx := context.Background()

	t.Run("UpsertCreatesWithDefaults", func(t *testing.T) {
		s := newStore(t)
		rec, created, err := s.Upsert(ctx, testSubscription("https://push.example/a"), baseTime)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, models.DefaultFrequency, rec.FrequencyMinutes)
		assert.Equal(t, models.LanguageEnglish, rec.Language)
		assert.Equal(t, baseTime.Add(time.Hour).UnixMilli(), rec.NextAt.UnixMilli())
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		sub := testSubscription("https://push.example/a")
		_, _, err := s.Upsert(ctx, sub, baseTime)
		require.NoError(t, err)
		_, created, err := s.Upsert(ctx, sub, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, created)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("UpsertKeepsCadence", func(t *testing.T) {
		s := newStore(t)
		sub := testSubscription("https://push.example/a")
		_, _, err := s.Upsert(ctx, sub, baseTime)
		require.NoError(t, err)
		prefs, err := s.SetPreferences(ctx, sub.Endpoint, 15, models.LanguageGerman, baseTime)
		require.NoError(t, err)

		refreshed := sub
		refreshed.Keys.Auth = "new-auth"
		rec, created, err := s.Upsert(ctx, refreshed, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "new-auth", rec.Subscription.Keys.Auth)
		assert.Equal(t, 15, rec.FrequencyMinutes)
		assert.Equal(t, models.LanguageGerman, rec.Language)
		assert.Equal(t, prefs.NextAt.UnixMilli(), rec.NextAt.UnixMilli())
	})

	t.Run("SetPreferencesClampsAndNormalizes", func(t *testing.T) {
		s := newStore(t)
		sub := testSubscription("https://push.example/a")
		_, _, err := s.Upsert(ctx, sub, baseTime)
		require.NoError(t, err)

		rec, err := s.SetPreferences(ctx, sub.Endpoint, 0, "fr", baseTime)
		require.NoError(t, err)
		assert.Equal(t, 5, rec.FrequencyMinutes)
		assert.Equal(t, models.LanguageEnglish, rec.Language)
		assert.Equal(t, baseTime.Add(5*time.Minute).UnixMilli(), rec.NextAt.UnixMilli())

		rec, err = s.SetPreferences(ctx, sub.Endpoint, 99999, models.LanguageChinese, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 1440, rec.FrequencyMinutes)
		assert.Equal(t, models.LanguageChinese, rec.Language)

		stored, err := s.Get(ctx, sub.Endpoint)
		require.NoError(t, err)
		assert.Equal(t, 1440, stored.FrequencyMinutes)
	})

	t.Run("SetPreferencesUnknownEndpoint", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SetPreferences(ctx, "https://push.example/missing", 30, models.LanguageEnglish, baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RotateMovesRecord", func(t *testing.T) {
		s := newStore(t)
		oldSub := testSubscription("https://push.example/old")
		_, _, err := s.Upsert(ctx, oldSub, baseTime)
		require.NoError(t, err)
		_, err = s.SetPreferences(ctx, oldSub.Endpoint, 20, models.LanguageChinese, baseTime)
		require.NoError(t, err)

		newSub := testSubscription("https://push.example/new")
		rec, rotated, err := s.Rotate(ctx, oldSub.Endpoint, newSub, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, rotated)
		assert.Equal(t, newSub.Endpoint, rec.Endpoint())

		got, err := s.Get(ctx, newSub.Endpoint)
		require.NoError(t, err)
		assert.Equal(t, 20, got.FrequencyMinutes)
		assert.Equal(t, models.LanguageChinese, got.Language)

		_, err = s.Get(ctx, oldSub.Endpoint)
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("RotateUnknownFallsBackToUpsert", func(t *testing.T) {
		s := newStore(t)
		newSub := testSubscription("https://push.example/new")
		rec, rotated, err := s.Rotate(ctx, "https://push.example/never-seen", newSub, baseTime)
		require.NoError(t, err)
		assert.False(t, rotated)
		assert.Equal(t, models.DefaultFrequency, rec.FrequencyMinutes)

		_, rotated, err = s.Rotate(ctx, "", newSub, baseTime)
		require.NoError(t, err)
		assert.False(t, rotated)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		sub := testSubscription("https://push.example/a")
		_, _, err := s.Upsert(ctx, sub, baseTime)
		require.NoError(t, err)

		deleted, err := s.Remove(ctx, sub.Endpoint)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Remove(ctx, sub.Endpoint)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.Get(ctx, sub.Endpoint)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DueAndMarkDelivered", func(t *testing.T) {
		s := newStore(t)
		early := testSubscription("https://push.example/early")
		late := testSubscription("https://push.example/late")
		_, _, err := s.Upsert(ctx, early, baseTime)
		require.NoError(t, err)
		_, _, err = s.Upsert(ctx, late, baseTime)
		require.NoError(t, err)
		_, err = s.SetPreferences(ctx, early.Endpoint, 10, models.LanguageEnglish, baseTime)
		require.NoError(t, err)

		due, err := s.Due(ctx, baseTime.Add(9*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, due)

		tickAt := baseTime.Add(10 * time.Minute)
		due, err = s.Due(ctx, tickAt)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, early.Endpoint, due[0].Endpoint())

		ok, err := s.MarkDelivered(ctx, early.Endpoint, tickAt)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, early.Endpoint)
		require.NoError(t, err)
		assert.Equal(t, tickAt.Add(10*time.Minute).UnixMilli(), got.NextAt.UnixMilli())

		ok, err = s.MarkDelivered(ctx, "https://push.example/missing", tickAt)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)

		for _, e := range []string{"https://push.example/1", "https://push.example/2"} {
			_, _, err := s.Upsert(ctx, testSubscription(e), baseTime)
			require.NoError(t, err)
		}
		list, err = s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) SubscriptionStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sub := testSubscription("https://push.example/a")
	_, _, err := s.Upsert(ctx, sub, baseTime)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_, _ = s.SetPreferences(ctx, sub.Endpoint, 5+i, models.LanguageGerman, baseTime)
				_, _ = s.Due(ctx, baseTime.Add(time.Duration(j)*time.Minute))
				_, _ = s.MarkDelivered(ctx, sub.Endpoint, baseTime)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
