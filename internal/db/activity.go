package db

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/domain"
)

// InboxRecipient pairs a local actor with the addressing mode ("to" or "cc")
// under which it should receive an activity.
type InboxRecipient struct {
	ActorID int64
	Type    string
}

type Activities interface {
	// CreateActivity persists an activity row. ErrDuplicate is returned when
	// an activity with the same fid was already recorded, which makes
	// re-delivered activities a no-op.
	CreateActivity(ctx context.Context, activity domain.Activity) (domain.Activity, error)
	GetActivityByID(ctx context.Context, id int64) (domain.Activity, error)
	GetActivityByFid(ctx context.Context, fid *url.URL) (domain.Activity, error)
	// ActivitiesForActor pages through an actor's activities, newest first,
	// and reports the total count for collection documents.
	ActivitiesForActor(ctx context.Context, actorID, offset, limit int64) ([]domain.Activity, int64, error)
	// SetActivityError records a handler failure on the activity without
	// touching the immutable payload.
	SetActivityError(ctx context.Context, id int64, message string) error

	CreateInboxItems(ctx context.Context, activityID int64, recipients []InboxRecipient) error
	UnreadInboxItems(ctx context.Context, activityID int64) ([]domain.InboxItem, error)
	MarkInboxItemRead(ctx context.Context, id int64) error

	CreateDeliveries(ctx context.Context, activityID int64, inboxUrls []string, nextAttempt time.Time) error
	// DueDeliveries returns undelivered, non-terminal deliveries whose next
	// attempt date has passed, oldest first.
	DueDeliveries(ctx context.Context, now time.Time, limit int64) ([]domain.Delivery, error)
	MarkDeliverySuccess(ctx context.Context, id int64, at time.Time) error
	MarkDeliveryFailure(ctx context.Context, id int64, at, next time.Time, terminal bool) error

	CreateFetch(ctx context.Context, fetch domain.Fetch) (domain.Fetch, error)
	GetFetchByID(ctx context.Context, id int64) (domain.Fetch, error)
	GetFetchByUuid(ctx context.Context, id uuid.UUID) (domain.Fetch, error)
	UpdateFetch(ctx context.Context, fetch domain.Fetch) error
}
