package queue

import (
	"time"

	"github.com/mikestefanello/backlite"
)

const (
	FetchQueue       = "Fetch"
	ScanQueue        = "Scan"
	NodeinfoQueue    = "Nodeinfo"
	SweepQueue       = "Sweep"
	KeyRotationQueue = "KeyRotation"
	InboxRetryQueue  = "InboxRetry"
)

// FetchJob pulls one remote object and stores whatever it turns out to be.
// Urls with the webfinger:// scheme are resolved to an actor id first.
type FetchJob struct {
	Url string
	// FetchID is the id of the fetch row tracking this job, zero when the
	// fetch was started internally rather than on behalf of a user.
	FetchID int64
}

func (j FetchJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        FetchQueue,
		MaxAttempts: 5,
		Backoff:     5 * time.Second,
		Timeout:     30 * time.Second,
		Retention: &backlite.Retention{
			Duration:   12 * time.Hour,
			OnlyFailed: false,
			Data: &backlite.RetainData{
				OnlyFailed: true,
			},
		},
	}
}

// ScanJob walks the collection pages of a remote library and mirrors its
// uploads. Interrupted scans restart from the last checkpointed page.
type ScanJob struct {
	LibraryID int64
}

func (j ScanJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        ScanQueue,
		MaxAttempts: 3,
		Backoff:     time.Minute,
		Timeout:     10 * time.Minute,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: false,
			Data: &backlite.RetainData{
				OnlyFailed: true,
			},
		},
	}
}

// NodeinfoJob refreshes the nodeinfo document of one known domain.
type NodeinfoJob struct {
	Domain string
}

func (j NodeinfoJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        NodeinfoQueue,
		MaxAttempts: 2,
		Backoff:     time.Minute,
		Timeout:     30 * time.Second,
		Retention: &backlite.Retention{
			Duration:   12 * time.Hour,
			OnlyFailed: true,
		},
	}
}

// KeyRotationJob replaces a local actor's key pair. Scheduled with a delay
// after a Delete is broadcast, so pending deliveries still go out under the
// old key.
type KeyRotationJob struct {
	ActorID int64
}

func (j KeyRotationJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        KeyRotationQueue,
		MaxAttempts: 3,
		Backoff:     time.Minute,
		Timeout:     30 * time.Second,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: true,
		},
	}
}

// InboxRetryJob re-runs the handler of a received activity whose first
// dispatch failed on something transient. The activity row itself already
// exists; only the side effects are missing.
type InboxRetryJob struct {
	ActivityID int64
}

func (j InboxRetryJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        InboxRetryQueue,
		MaxAttempts: 5,
		Backoff:     time.Minute,
		Timeout:     30 * time.Second,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: true,
		},
	}
}

// SweepJob evicts stale entries from the music cache and removes files no
// upload references anymore.
type SweepJob struct{}

func (j SweepJob) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        SweepQueue,
		MaxAttempts: 1,
		Timeout:     10 * time.Minute,
		Retention: &backlite.Retention{
			Duration:   12 * time.Hour,
			OnlyFailed: true,
		},
	}
}
