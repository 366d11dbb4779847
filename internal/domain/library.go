package domain

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

type Library struct {
	ID           int64
	Uuid         uuid.UUID
	Fid          *url.URL
	ActorID      int64
	Name         string
	Description  string
	PrivacyLevel string
	FollowersUrl *url.URL
	UploadsCount int64
	CreationDate time.Time
}

// LibraryFollow tracks the approval state of a follow on a library.
// Approved is nil while the follow is pending.
type LibraryFollow struct {
	ID               int64
	Uuid             uuid.UUID
	Fid              *url.URL
	ActorID          int64
	LibraryID        int64
	Approved         *bool
	CreationDate     time.Time
	ModificationDate time.Time
}

func (f LibraryFollow) IsPending() bool {
	return f.Approved == nil
}

// Upload import statuses.
const (
	ImportPending  = "pending"
	ImportFinished = "finished"
	ImportSkipped  = "skipped"
	ImportErrored  = "errored"
)

// Upload is a single audio artifact belonging to a library. For remote
// uploads AudioFile is empty until the file is cached on first listen.
type Upload struct {
	ID             int64
	Uuid           uuid.UUID
	Fid            *url.URL
	LibraryID      int64
	TrackID        int64
	ImportStatus   string
	AudioFile      string
	Mimetype       string
	Size           int64
	Bitrate        int64
	Duration       int64
	Source         string
	CreationDate   time.Time
	AccessedDate   time.Time
	DownloadsCount int64
}

// IsRemote reports whether the upload's audio must be fetched over the
// network. Local sources use the file:// and upload:// schemes.
func (u Upload) IsRemote() bool {
	return u.Source != "" &&
		(len(u.Source) > 8 && (u.Source[:8] == "https://" || u.Source[:7] == "http://"))
}

// Track is the minimal track reference the federation core needs; full music
// metadata lives with the external music subsystem.
type Track struct {
	ID           int64
	Uuid         uuid.UUID
	Fid          *url.URL
	Title        string
	ArtistName   string
	AlbumTitle   string
	CreationDate time.Time
}

// Mutation is a proposed, reviewable change to a track. PreviousState is a
// JSON snapshot taken before the mutation is applied so it can be audited.
type Mutation struct {
	ID            int64
	Uuid          uuid.UUID
	Fid           *url.URL
	Type          string
	TrackID       int64
	Payload       []byte
	PreviousState []byte
	IsApproved    *bool
	IsApplied     bool
	CreatedByID   int64
	ApprovedByID  int64
	CreationDate  time.Time
}
