// Package conversions translates between domain records and ActivityStreams
// vocabulary types for everything this server puts on the wire.
package conversions

import (
	"net/url"
	"time"

	"code.superseriousbusiness.org/activity/streams"
	"code.superseriousbusiness.org/activity/streams/vocab"
	"github.com/perlatus/fonoteca/internal/domain"
)

var mainKey, _ = url.Parse("#main-key")

// Serialize renders a vocabulary type into the JSON map form expected by the
// delivery pipeline.
func Serialize(t vocab.Type) (map[string]any, error) {
	return streams.Serialize(t)
}

func NewFollow(id, actor, object *url.URL) vocab.ActivityStreamsFollow {
	f := streams.NewActivityStreamsFollow()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(id)
	f.SetJSONLDId(idProp)

	actorProp := streams.NewActivityStreamsActorProperty()
	actorProp.AppendIRI(actor)
	f.SetActivityStreamsActor(actorProp)

	objProp := streams.NewActivityStreamsObjectProperty()
	objProp.AppendIRI(object)
	f.SetActivityStreamsObject(objProp)

	return f
}

// NewAccept embeds the accepted follow so the remote side can correlate the
// approval without a lookup.
func NewAccept(id, actor *url.URL, follow vocab.ActivityStreamsFollow) vocab.ActivityStreamsAccept {
	a := streams.NewActivityStreamsAccept()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(id)
	a.SetJSONLDId(idProp)

	actorProp := streams.NewActivityStreamsActorProperty()
	actorProp.AppendIRI(actor)
	a.SetActivityStreamsActor(actorProp)

	objProp := streams.NewActivityStreamsObjectProperty()
	objProp.AppendActivityStreamsFollow(follow)
	a.SetActivityStreamsObject(objProp)

	return a
}

func NewUndo(id, actor *url.URL, object vocab.ActivityStreamsFollow) vocab.ActivityStreamsUndo {
	u := streams.NewActivityStreamsUndo()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(id)
	u.SetJSONLDId(idProp)

	actorProp := streams.NewActivityStreamsActorProperty()
	actorProp.AppendIRI(actor)
	u.SetActivityStreamsActor(actorProp)

	objProp := streams.NewActivityStreamsObjectProperty()
	objProp.AppendActivityStreamsFollow(object)
	u.SetActivityStreamsObject(objProp)

	return u
}

func NewDelete(id, actor, object *url.URL) vocab.ActivityStreamsDelete {
	d := streams.NewActivityStreamsDelete()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(id)
	d.SetJSONLDId(idProp)

	actorProp := streams.NewActivityStreamsActorProperty()
	actorProp.AppendIRI(actor)
	d.SetActivityStreamsActor(actorProp)

	objProp := streams.NewActivityStreamsObjectProperty()
	objProp.AppendIRI(object)
	d.SetActivityStreamsObject(objProp)

	return d
}

func NewCreate(id, actor *url.URL) vocab.ActivityStreamsCreate {
	c := streams.NewActivityStreamsCreate()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(id)
	c.SetJSONLDId(idProp)

	actorProp := streams.NewActivityStreamsActorProperty()
	actorProp.AppendIRI(actor)
	c.SetActivityStreamsActor(actorProp)

	return c
}

// NewTombstone is what a deleted actor's id keeps resolving to.
func NewTombstone(fid *url.URL, formerType string, deleted time.Time) vocab.ActivityStreamsTombstone {
	t := streams.NewActivityStreamsTombstone()

	idProp := streams.NewJSONLDIdProperty()
	idProp.SetIRI(fid)
	t.SetJSONLDId(idProp)

	if formerType != "" {
		former := streams.NewActivityStreamsFormerTypeProperty()
		former.AppendXMLSchemaString(formerType)
		t.SetActivityStreamsFormerType(former)
	}

	deletedProp := streams.NewActivityStreamsDeletedProperty()
	deletedProp.Set(deleted)
	t.SetActivityStreamsDeleted(deletedProp)

	return t
}

// actorBuilder is the property surface shared by every vocabulary actor type.
type actorBuilder interface {
	vocab.Type
	SetJSONLDId(vocab.JSONLDIdProperty)
	SetActivityStreamsPreferredUsername(vocab.ActivityStreamsPreferredUsernameProperty)
	SetActivityStreamsName(vocab.ActivityStreamsNameProperty)
	SetActivityStreamsSummary(vocab.ActivityStreamsSummaryProperty)
	SetActivityStreamsInbox(vocab.ActivityStreamsInboxProperty)
	SetActivityStreamsOutbox(vocab.ActivityStreamsOutboxProperty)
	SetActivityStreamsFollowers(vocab.ActivityStreamsFollowersProperty)
	SetActivityStreamsFollowing(vocab.ActivityStreamsFollowingProperty)
	SetActivityStreamsEndpoints(vocab.ActivityStreamsEndpointsProperty)
	SetActivityStreamsManuallyApprovesFollowers(vocab.ActivityStreamsManuallyApprovesFollowersProperty)
	SetW3IDSecurityV1PublicKey(vocab.W3IDSecurityV1PublicKeyProperty)
}

func ActorToVocab(a *domain.Actor) vocab.Type {
	var obj actorBuilder
	switch a.Type {
	case domain.TypeService:
		obj = streams.NewActivityStreamsService()
	case domain.TypeApplication:
		obj = streams.NewActivityStreamsApplication()
	case domain.TypeGroup:
		obj = streams.NewActivityStreamsGroup()
	case domain.TypeOrganization:
		obj = streams.NewActivityStreamsOrganization()
	default:
		obj = streams.NewActivityStreamsPerson()
	}

	id := streams.NewJSONLDIdProperty()
	id.SetIRI(a.Fid)
	obj.SetJSONLDId(id)

	username := streams.NewActivityStreamsPreferredUsernameProperty()
	username.SetXMLSchemaString(a.PreferredUsername)
	obj.SetActivityStreamsPreferredUsername(username)

	if a.Name != "" {
		name := streams.NewActivityStreamsNameProperty()
		name.AppendXMLSchemaString(a.Name)
		obj.SetActivityStreamsName(name)
	}

	if a.Summary != "" {
		summary := streams.NewActivityStreamsSummaryProperty()
		summary.AppendXMLSchemaString(a.Summary)
		obj.SetActivityStreamsSummary(summary)
	}

	inbox := streams.NewActivityStreamsInboxProperty()
	inbox.SetIRI(a.InboxUrl)
	obj.SetActivityStreamsInbox(inbox)

	if a.OutboxUrl != nil {
		outbox := streams.NewActivityStreamsOutboxProperty()
		outbox.SetIRI(a.OutboxUrl)
		obj.SetActivityStreamsOutbox(outbox)
	}

	if a.FollowersUrl != nil {
		followers := streams.NewActivityStreamsFollowersProperty()
		followers.SetIRI(a.FollowersUrl)
		obj.SetActivityStreamsFollowers(followers)
	}

	if a.FollowingUrl != nil {
		following := streams.NewActivityStreamsFollowingProperty()
		following.SetIRI(a.FollowingUrl)
		obj.SetActivityStreamsFollowing(following)
	}

	if a.SharedInboxUrl != nil {
		endpointsProp := streams.NewActivityStreamsEndpointsProperty()
		endpoints := streams.NewActivityStreamsEndpoints()
		sharedInbox := streams.NewActivityStreamsSharedInboxProperty()
		sharedInbox.SetIRI(a.SharedInboxUrl)
		endpoints.SetActivityStreamsSharedInbox(sharedInbox)
		endpointsProp.AppendActivityStreamsEndpoints(endpoints)
		obj.SetActivityStreamsEndpoints(endpointsProp)
	}

	manual := streams.NewActivityStreamsManuallyApprovesFollowersProperty()
	manual.Set(a.ManuallyApprovesFollowers)
	obj.SetActivityStreamsManuallyApprovesFollowers(manual)

	if a.PublicKey != "" {
		obj.SetW3IDSecurityV1PublicKey(PublicKeyProp(a.Fid, a.PublicKey))
	}

	return obj
}

func PublicKeyProp(owner *url.URL, publicKeyPem string) vocab.W3IDSecurityV1PublicKeyProperty {
	keyProp := streams.NewW3IDSecurityV1PublicKeyProperty()
	key := streams.NewW3IDSecurityV1PublicKey()

	keyURIProp := streams.NewJSONLDIdProperty()
	keyURIProp.SetIRI(owner.ResolveReference(mainKey))
	key.SetJSONLDId(keyURIProp)

	ownerProp := streams.NewW3IDSecurityV1OwnerProperty()
	ownerProp.SetIRI(owner)
	key.SetW3IDSecurityV1Owner(ownerProp)

	pemProp := streams.NewW3IDSecurityV1PublicKeyPemProperty()
	pemProp.Set(publicKeyPem)
	key.SetW3IDSecurityV1PublicKeyPem(pemProp)

	keyProp.AppendW3IDSecurityV1PublicKey(key)
	return keyProp
}
