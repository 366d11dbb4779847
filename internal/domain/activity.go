package domain

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Public is the special ActivityStreams collection denoting public addressing.
var Public, _ = url.Parse("https://www.w3.org/ns/activitystreams#Public")

// Activity is an immutable record of a received or emitted ActivityPub
// activity. Rows are append-only; handler failures are recorded on the side.
type Activity struct {
	ID           int64
	Uuid         uuid.UUID
	Fid          *url.URL
	Type         string
	ActorID      int64
	Payload      []byte
	CreationDate time.Time
}

// InboxItem binds an activity to one local recipient.
type InboxItem struct {
	ID         int64
	ActivityID int64
	ActorID    int64
	// Type is "to" or "cc" depending on how the recipient was addressed.
	Type   string
	IsRead bool
}

// Delivery is the retry ledger for one (activity, remote inbox) pair. Rows
// are never deleted, only marked delivered or abandoned as terminal.
type Delivery struct {
	ID              int64
	ActivityID      int64
	InboxUrl        *url.URL
	Attempts        int64
	LastAttemptDate time.Time
	NextAttemptDate time.Time
	IsDelivered     bool
	// Terminal is set when a permanent 4xx made further attempts pointless,
	// or when the attempt ceiling was reached.
	Terminal bool
}

// Fetch statuses.
const (
	FetchPending  = "pending"
	FetchFinished = "finished"
	FetchErrored  = "errored"
	FetchSkipped  = "skipped"
)

// Fetch records an on-demand pull of a remote object.
type Fetch struct {
	ID           int64
	Uuid         uuid.UUID
	Url          string
	ActorID      int64
	Status       string
	Detail       []byte
	ObjectFid    *url.URL
	CreationDate time.Time
	FetchDate    time.Time
}

// Stats is the set of usage counters exposed through NodeInfo.
type Stats struct {
	LocalActors    int64
	Libraries      int64
	Uploads        int64
	ListenedTracks int64
}

// ScanCheckpoint is the restart point of a library scan.
type ScanCheckpoint struct {
	LibraryID int64
	Page      int64
	UpdatedAt time.Time
}
