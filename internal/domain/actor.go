package domain

import (
	"net/url"
	"time"
)

// Actor types from the ActivityStreams vocabulary. Tombstone marks a logically
// deleted actor whose id must remain resolvable.
const (
	TypePerson       = "Person"
	TypeApplication  = "Application"
	TypeGroup        = "Group"
	TypeOrganization = "Organization"
	TypeService      = "Service"
	TypeTombstone    = "Tombstone"
)

// Domain is a remote (or the local) hostname along with the moderation and
// reachability metadata we keep about it.
type Domain struct {
	Name              string
	Allowed           bool
	CreationDate      time.Time
	Nodeinfo          []byte
	NodeinfoFetchDate time.Time
	NodeinfoStatus    string
	ServiceActorFid   *url.URL
}

type Actor struct {
	ID                int64
	Fid               *url.URL
	Type              string
	PreferredUsername string
	Domain            string
	Name              string
	Summary           string
	InboxUrl          *url.URL
	OutboxUrl         *url.URL
	// SharedInboxUrl may be nil when the remote instance does not advertise one.
	SharedInboxUrl *url.URL
	FollowersUrl   *url.URL
	FollowingUrl   *url.URL
	PublicKey      string
	// PrivateKey is only ever set for local actors.
	PrivateKey               string
	ManuallyApprovesFollowers bool
	CreationDate             time.Time
	LastFetchDate            time.Time
}

func (a Actor) IsLocal(host string) bool {
	return a.Domain == host
}

// KeyId is the id under which the actor's public key is published.
func (a Actor) KeyId() *url.URL {
	if a.Fid == nil {
		return nil
	}
	k := *a.Fid
	k.Fragment = "main-key"
	return &k
}

// FullUsername is the webfinger-style handle, user@host.
func (a Actor) FullUsername() string {
	return a.PreferredUsername + "@" + a.Domain
}
