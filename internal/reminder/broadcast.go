package reminder

import (
	"context"
	"strings"

	"peepal-go/internal/models"

	"github.com/pkg/errors"
)

// DeliveryResult reports the outcome of one broadcast delivery.
type DeliveryResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Broadcast sends message to every stored subscriber, ignoring their
// schedules. Terminal failures prune the subscriber as in a regular tick.
// A broadcast waits for a running tick to finish before it starts.
func (s *Scheduler) Broadcast(ctx context.Context, message string) ([]DeliveryResult, error) {
	if strings.TrimSpace(message) == "" {
		message = DefaultBroadcastMessage
	}
	payload, err := encode(models.Notification{Title: Title, Body: message, URL: URL})
	if err != nil {
		return nil, errors.Wrap(err, "encode broadcast")
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	subs, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list subscribers")
	}

	results := make([]DeliveryResult, 0, len(subs))
	for _, sub := range subs {
		endpoint := sub.Endpoint()
		res := DeliveryResult{Endpoint: models.RedactEndpoint(endpoint), Success: true}
		if err := s.send(ctx, sub.Subscription, payload); err != nil {
			res.Success = false
			res.Error = err.Error()
			s.prune(ctx, endpoint, err)
		} else {
			s.metrics.RemindersSent.Inc()
		}
		results = append(results, res)
	}
	return results, nil
}
