package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/domain"
)

const (
	deliveryInterval = 15 * time.Second
	deliveryBatch    = 20
	// maxDeliveryAttempts is the ceiling after which a delivery is abandoned.
	maxDeliveryAttempts = 10

	deliveryBaseDelay = 30 * time.Second
	deliveryMaxDelay  = 24 * time.Hour
	// attemptTimeout bounds one POST so a hung remote inbox cannot stall
	// the rest of the batch.
	attemptTimeout = 30 * time.Second
)

func (q *Queue) deliveryLoop(ctx context.Context) {
	ticker := time.NewTicker(deliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ProcessDueDeliveries(ctx); err != nil {
				log.Error().Err(err).Msg("delivery round failed")
			}
		}
	}
}

// ProcessDueDeliveries attempts every delivery whose next attempt date has
// passed. Failures reschedule with exponential backoff; permanent rejections
// and deliveries over the attempt ceiling are marked terminal.
func (q *Queue) ProcessDueDeliveries(ctx context.Context) error {
	due, err := q.db.DueDeliveries(ctx, time.Now(), deliveryBatch)
	if err != nil {
		return err
	}

	for _, delivery := range due {
		if err := q.attempt(ctx, delivery); err != nil {
			log.Warn().Err(err).Int64("delivery", delivery.ID).Msg("delivery attempt failed")
		}
	}
	return nil
}

func (q *Queue) attempt(ctx context.Context, d domain.Delivery) error {
	activity, err := q.db.GetActivityByID(ctx, d.ActivityID)
	if err != nil {
		return err
	}
	sender, err := q.db.GetActorByID(ctx, activity.ActorID)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err = json.Unmarshal(activity.Payload, &payload); err != nil {
		// The payload will never become parseable, stop retrying.
		now := time.Now()
		if dbErr := q.db.MarkDeliveryFailure(ctx, d.ID, now, now, true); dbErr != nil {
			return dbErr
		}
		return err
	}

	now := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	deliverErr := q.client.DeliverAs(attemptCtx, payload, d.InboxUrl, sender.KeyId(), sender.PrivateKey)
	cancel()
	if deliverErr == nil {
		log.Debug().
			Str("inbox", d.InboxUrl.String()).
			Str("activity", activity.Fid.String()).
			Msg("delivered")
		return q.db.MarkDeliverySuccess(ctx, d.ID, now)
	}

	attempts := d.Attempts + 1
	terminal := attempts >= maxDeliveryAttempts || permanentRejection(deliverErr)
	next := now.Add(retryDelay(attempts))
	if err = q.db.MarkDeliveryFailure(ctx, d.ID, now, next, terminal); err != nil {
		return err
	}
	return deliverErr
}

// permanentRejection reports whether the error is a 4xx that retrying will
// never fix. 401, 408 and 429 are transient: key rotation, timeouts, and
// rate limiting all resolve themselves.
func permanentRejection(err error) bool {
	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.StatusCode < 400 || statusErr.StatusCode >= 500 {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// retryDelay is the wait before the next attempt, doubling from the base
// delay up to the cap.
func retryDelay(attempts int64) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = deliveryBaseDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = deliveryMaxDelay
	policy.MaxElapsedTime = 0

	delay := policy.NextBackOff()
	for i := int64(1); i < attempts; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
