package conversions

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/perlatus/fonoteca/internal/domain"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestActorToVocab(t *testing.T) {
	actor := &domain.Actor{
		Fid:               mustParse(t, "https://music.example/federation/actors/alice"),
		Type:              domain.TypePerson,
		PreferredUsername: "alice",
		Domain:            "music.example",
		Name:              "Alice",
		InboxUrl:          mustParse(t, "https://music.example/federation/actors/alice/inbox"),
		OutboxUrl:         mustParse(t, "https://music.example/federation/actors/alice/outbox"),
		SharedInboxUrl:    mustParse(t, "https://music.example/federation/shared/inbox"),
		PublicKey:         "-----BEGIN PUBLIC KEY-----\nxxx\n-----END PUBLIC KEY-----",
	}

	doc, err := Serialize(ActorToVocab(actor))
	if err != nil {
		t.Fatal(err)
	}

	if doc["type"] != "Person" {
		t.Errorf("type = %v", doc["type"])
	}
	if doc["id"] != actor.Fid.String() {
		t.Errorf("id = %v", doc["id"])
	}
	if doc["preferredUsername"] != "alice" {
		t.Errorf("preferredUsername = %v", doc["preferredUsername"])
	}
	if doc["inbox"] != actor.InboxUrl.String() {
		t.Errorf("inbox = %v", doc["inbox"])
	}

	key, ok := doc["publicKey"].(map[string]any)
	if !ok {
		t.Fatalf("publicKey = %v", doc["publicKey"])
	}
	if key["id"] != actor.Fid.String()+"#main-key" {
		t.Errorf("key id = %v", key["id"])
	}
	if key["owner"] != actor.Fid.String() {
		t.Errorf("key owner = %v", key["owner"])
	}
	if key["publicKeyPem"] != actor.PublicKey {
		t.Errorf("key pem = %v", key["publicKeyPem"])
	}

	endpoints, ok := doc["endpoints"].(map[string]any)
	if !ok {
		t.Fatalf("endpoints = %v", doc["endpoints"])
	}
	if endpoints["sharedInbox"] != actor.SharedInboxUrl.String() {
		t.Errorf("sharedInbox = %v", endpoints["sharedInbox"])
	}
}

func TestServiceActorType(t *testing.T) {
	actor := &domain.Actor{
		Fid:               mustParse(t, "https://music.example/federation/actors/service"),
		Type:              domain.TypeService,
		PreferredUsername: "service",
		InboxUrl:          mustParse(t, "https://music.example/federation/actors/service/inbox"),
	}

	doc, err := Serialize(ActorToVocab(actor))
	if err != nil {
		t.Fatal(err)
	}
	if doc["type"] != "Service" {
		t.Errorf("type = %v", doc["type"])
	}
}

func TestNewAcceptEmbedsFollow(t *testing.T) {
	follow := NewFollow(
		mustParse(t, "https://remote.example/federation/follows/1"),
		mustParse(t, "https://remote.example/federation/actors/bob"),
		mustParse(t, "https://music.example/federation/music/libraries/xyz"),
	)
	accept := NewAccept(
		mustParse(t, "https://music.example/federation/activities/2"),
		mustParse(t, "https://music.example/federation/actors/alice"),
		follow,
	)

	doc, err := Serialize(accept)
	if err != nil {
		t.Fatal(err)
	}
	if doc["type"] != "Accept" {
		t.Errorf("type = %v", doc["type"])
	}
	object, ok := doc["object"].(map[string]any)
	if !ok {
		t.Fatalf("object = %v", doc["object"])
	}
	if object["type"] != "Follow" {
		t.Errorf("object type = %v", object["type"])
	}
	if object["id"] != "https://remote.example/federation/follows/1" {
		t.Errorf("object id = %v", object["id"])
	}
}

func TestNewTombstone(t *testing.T) {
	doc, err := Serialize(NewTombstone(
		mustParse(t, "https://music.example/federation/actors/gone"),
		domain.TypePerson,
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	))
	if err != nil {
		t.Fatal(err)
	}
	if doc["type"] != "Tombstone" {
		t.Errorf("type = %v", doc["type"])
	}
	if doc["formerType"] != "Person" {
		t.Errorf("formerType = %v", doc["formerType"])
	}
	if doc["deleted"] == nil {
		t.Error("deleted timestamp missing")
	}
}

func TestAudioToMap(t *testing.T) {
	upload := &domain.Upload{
		Uuid:     uuid.New(),
		Fid:      mustParse(t, "https://music.example/federation/music/uploads/u1"),
		Mimetype: "audio/ogg",
		Size:     1024,
		Bitrate:  192000,
		Duration: 180,
	}
	track := &domain.Track{
		Fid:        mustParse(t, "https://music.example/federation/music/tracks/t1"),
		Title:      "Intro",
		ArtistName: "The Band",
	}
	lib := &domain.Library{
		Fid: mustParse(t, "https://music.example/federation/music/libraries/l1"),
	}

	doc := AudioToMap(upload, track, lib, mustParse(t, "https://music.example/api/listen/u1"))

	if doc["type"] != "Audio" {
		t.Errorf("type = %v", doc["type"])
	}
	if doc["name"] != "The Band - Intro" {
		t.Errorf("name = %v", doc["name"])
	}
	if doc["library"] != lib.Fid.String() {
		t.Errorf("library = %v", doc["library"])
	}
	if doc["duration"] != "PT180S" {
		t.Errorf("duration = %v", doc["duration"])
	}
	link, ok := doc["url"].(map[string]any)
	if !ok || link["mediaType"] != "audio/ogg" {
		t.Errorf("url = %v", doc["url"])
	}
}

func TestLibraryPageToMapPagination(t *testing.T) {
	lib := &domain.Library{
		Fid:          mustParse(t, "https://music.example/federation/music/libraries/l1"),
		UploadsCount: 60,
	}
	owner := &domain.Actor{Fid: mustParse(t, "https://music.example/federation/actors/alice")}

	middle := LibraryPageToMap(lib, owner, nil, 2, 25)
	if middle["prev"] != lib.Fid.String()+"?page=1" {
		t.Errorf("prev = %v", middle["prev"])
	}
	if middle["next"] != lib.Fid.String()+"?page=3" {
		t.Errorf("next = %v", middle["next"])
	}

	last := LibraryPageToMap(lib, owner, nil, 3, 25)
	if _, ok := last["next"]; ok {
		t.Error("last page should have no next link")
	}
}
