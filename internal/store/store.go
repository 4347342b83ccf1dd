package store

import (
	"context"
	"time"

	"peepal-go/internal/models"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when an operation targets an unknown endpoint.
var ErrNotFound = errors.New("unknown endpoint")

// SubscriptionStore owns every subscriber record, keyed by push endpoint.
// Implementations are safe for concurrent use.
type SubscriptionStore interface {
	// Upsert inserts a new subscriber with default cadence or replaces the
	// descriptor of an existing one, keeping its cadence, language and schedule.
	Upsert(ctx context.Context, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error)

	// SetPreferences clamps the frequency, normalizes the language and
	// reschedules the next reminder to now + frequency.
	SetPreferences(ctx context.Context, endpoint string, frequencyMinutes int, language models.Language, now time.Time) (models.Subscriber, error)

	// Rotate moves the record stored under oldEndpoint to the new descriptor's
	// endpoint. Falls back to Upsert when oldEndpoint is unknown.
	Rotate(ctx context.Context, oldEndpoint string, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error)

	Remove(ctx context.Context, endpoint string) (bool, error)
	Get(ctx context.Context, endpoint string) (models.Subscriber, error)
	List(ctx context.Context) ([]models.Subscriber, error)
	Count(ctx context.Context) (int, error)

	// Due returns every subscriber whose next reminder is at or before now.
	Due(ctx context.Context, now time.Time) ([]models.Subscriber, error)

	// MarkDelivered schedules the next reminder one interval after now,
	// using the subscriber's current frequency. Reports false if the record
	// no longer exists.
	MarkDelivered(ctx context.Context, endpoint string, now time.Time) (bool, error)

	Close() error
}

func applyPreferences(s *models.Subscriber, frequencyMinutes int, language models.Language, now time.Time) {
	s.FrequencyMinutes = models.ClampFrequency(frequencyMinutes)
	s.Language = models.NormalizeLanguage(string(language))
	s.NextAt = now.Add(s.Interval())
}
