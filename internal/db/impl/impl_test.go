package impl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/initialization"
)

var (
	testDB db.DB
	ctx    = context.Background()
)

func TestMain(m *testing.M) {
	d, err := initialization.OpenDB("file:dbtest?mode=memory")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}
	// A single connection keeps every test on the same in-memory database.
	d.SetMaxOpenConns(1)

	if err = initialization.SetupDB(d, "../../../migrations", "dbtest"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	cfg := config.Configuration{Host: "music.example", Https: true}
	cfg.Url, _ = url.Parse("https://music.example")
	testDB = New(cfg, d)

	code := m.Run()
	d.Close()
	os.Exit(code)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func makeActor(t *testing.T, host, name string) domain.Actor {
	t.Helper()
	base := "https://" + host + "/actors/" + name
	actor, err := testDB.UpsertActor(ctx, domain.Actor{
		Fid:               mustURL(t, base),
		Type:              domain.TypePerson,
		PreferredUsername: name,
		Domain:            host,
		InboxUrl:          mustURL(t, base+"/inbox"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return actor
}

func makeLibrary(t *testing.T, owner domain.Actor) domain.Library {
	t.Helper()
	id := uuid.New()
	library, err := testDB.CreateLibrary(ctx, domain.Library{
		Uuid:         id,
		Fid:          mustURL(t, owner.Fid.String()+"/libraries/"+id.String()),
		ActorID:      owner.ID,
		Name:         "db test library",
		PrivacyLevel: "everyone",
	})
	if err != nil {
		t.Fatal(err)
	}
	return library
}

func makeFollow(t *testing.T, follower domain.Actor, library domain.Library) domain.LibraryFollow {
	t.Helper()
	follow, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       mustURL(t, follower.Fid.String()+"/follows/"+uuid.NewString()),
		ActorID:   follower.ID,
		LibraryID: library.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return follow
}

func TestUpsertActorPreservesLocalKeys(t *testing.T) {
	base := "https://music.example/actors/keyed"
	first, err := testDB.UpsertActor(ctx, domain.Actor{
		Fid:               mustURL(t, base),
		Type:              domain.TypePerson,
		PreferredUsername: "keyed",
		Domain:            "music.example",
		InboxUrl:          mustURL(t, base+"/inbox"),
		PublicKey:         "pub-one",
		PrivateKey:        "priv-one",
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := testDB.UpsertActor(ctx, domain.Actor{
		Fid:               first.Fid,
		Type:              domain.TypePerson,
		PreferredUsername: "keyed",
		Domain:            "music.example",
		Name:              "Keyed",
		InboxUrl:          mustURL(t, base+"/inbox"),
		PublicKey:         "pub-two",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != first.ID {
		t.Errorf("upsert created a second row: %d != %d", updated.ID, first.ID)
	}
	if updated.PublicKey != "pub-two" {
		t.Errorf("public key = %q, want pub-two", updated.PublicKey)
	}
	if updated.PrivateKey != "priv-one" {
		t.Errorf("private key = %q, the local key must survive refreshes", updated.PrivateKey)
	}
	if updated.Name != "Keyed" {
		t.Errorf("name = %q", updated.Name)
	}
}

func TestCreateActivityDuplicateFid(t *testing.T) {
	actor := makeActor(t, "remote.example", "dup-activity")
	fid := mustURL(t, "https://remote.example/activities/"+uuid.NewString())

	if _, err := testDB.CreateActivity(ctx, domain.Activity{
		Fid: fid, Type: "Follow", ActorID: actor.ID, Payload: []byte("{}"),
	}); err != nil {
		t.Fatal(err)
	}
	_, err := testDB.CreateActivity(ctx, domain.Activity{
		Fid: fid, Type: "Follow", ActorID: actor.ID, Payload: []byte("{}"),
	})
	if !errors.Is(err, db.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreateFollowDuplicatePair(t *testing.T) {
	owner := makeActor(t, "music.example", "follow-owner")
	library := makeLibrary(t, owner)
	follower := makeActor(t, "remote.example", "follow-dup")

	makeFollow(t, follower, library)
	_, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       mustURL(t, follower.Fid.String()+"/follows/"+uuid.NewString()),
		ActorID:   follower.ID,
		LibraryID: library.ID,
	})
	if !errors.Is(err, db.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestRejectedFollowStaysRejected(t *testing.T) {
	owner := makeActor(t, "music.example", "reject-owner")
	library := makeLibrary(t, owner)
	follower := makeActor(t, "remote.example", "rejected")
	follow := makeFollow(t, follower, library)

	if err := testDB.SetFollowApproved(ctx, follow.ID, false); err != nil {
		t.Fatal(err)
	}

	err := testDB.SetFollowApproved(ctx, follow.ID, true)
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound on approving a rejected follow, got %v", err)
	}

	after, err := testDB.GetFollowByID(ctx, follow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Approved == nil || *after.Approved {
		t.Error("rejected follow was flipped back")
	}
}

func TestGetOrCreateTrackIsIdempotentOnFid(t *testing.T) {
	fid := mustURL(t, "https://remote.example/tracks/"+uuid.NewString())
	first, err := testDB.GetOrCreateTrack(ctx, domain.Track{Fid: fid, Title: "One"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := testDB.GetOrCreateTrack(ctx, domain.Track{Fid: fid, Title: "Other title"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("same fid produced two tracks: %d and %d", first.ID, second.ID)
	}
	if second.Title != "One" {
		t.Errorf("title = %q, the stored track wins", second.Title)
	}
}

func TestMarkDeliveryFailure(t *testing.T) {
	actor := makeActor(t, "remote.example", "delivery-target")
	activity, err := testDB.CreateActivity(ctx, domain.Activity{
		Fid:     mustURL(t, "https://music.example/federation/activities/"+uuid.NewString()),
		Type:    "Create",
		ActorID: actor.ID,
		Payload: []byte("{}"),
	})
	if err != nil {
		t.Fatal(err)
	}
	inbox := "https://remote.example/actors/delivery-target/inbox"
	if err := testDB.CreateDeliveries(ctx, activity.ID, []string{inbox}, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	due, err := testDB.DueDeliveries(ctx, time.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	var delivery domain.Delivery
	for _, d := range due {
		if d.ActivityID == activity.ID {
			delivery = d
		}
	}
	if delivery.ID == 0 {
		t.Fatal("created delivery not due")
	}

	next := time.Now().Add(time.Hour)
	if err := testDB.MarkDeliveryFailure(ctx, delivery.ID, time.Now(), next, false); err != nil {
		t.Fatal(err)
	}

	// Not due anymore until the next attempt date.
	due, err = testDB.DueDeliveries(ctx, time.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.ID == delivery.ID {
			t.Fatal("failed delivery still due before its next attempt date")
		}
	}

	due, err = testDB.DueDeliveries(ctx, next.Add(time.Second), 100)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range due {
		if d.ID == delivery.ID {
			found = true
			if d.Attempts != 1 {
				t.Errorf("attempts = %d, want 1", d.Attempts)
			}
		}
	}
	if !found {
		t.Fatal("delivery not due after its next attempt date")
	}

	if err := testDB.MarkDeliveryFailure(ctx, delivery.ID, time.Now(), next, true); err != nil {
		t.Fatal(err)
	}
	due, err = testDB.DueDeliveries(ctx, next.Add(time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.ID == delivery.ID {
			t.Error("terminal delivery is still served as due")
		}
	}
}

func TestPurgeActorContent(t *testing.T) {
	owner := makeActor(t, "purged.example", "victim")
	library := makeLibrary(t, owner)
	follower := makeActor(t, "remote.example", "purge-follower")
	makeFollow(t, follower, library)

	if err := testDB.PurgeActorContent(ctx, []int64{owner.ID}); err != nil {
		t.Fatal(err)
	}

	if _, err := testDB.GetLibraryByID(ctx, library.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("library survived the purge: %v", err)
	}
	follows, err := testDB.ApprovedFollowers(ctx, library.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(follows) != 0 {
		t.Errorf("%d follows survived the purge", len(follows))
	}
}

func TestScanCheckpoint(t *testing.T) {
	owner := makeActor(t, "remote.example", "checkpointed")
	library := makeLibrary(t, owner)

	if _, err := testDB.GetScanCheckpoint(ctx, library.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any checkpoint, got %v", err)
	}

	if err := testDB.SetScanCheckpoint(ctx, library.ID, 4); err != nil {
		t.Fatal(err)
	}
	cp, err := testDB.GetScanCheckpoint(ctx, library.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Page != 4 {
		t.Errorf("page = %d, want 4", cp.Page)
	}

	if err := testDB.ClearScanCheckpoint(ctx, library.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.GetScanCheckpoint(ctx, library.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("checkpoint survived the clear: %v", err)
	}
}

func TestStaleNodeinfoDomains(t *testing.T) {
	if _, err := testDB.GetDomainOrCreate(ctx, "stale.example"); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.GetDomainOrCreate(ctx, "fresh.example"); err != nil {
		t.Fatal(err)
	}
	if err := testDB.UpdateDomainNodeinfo(ctx, "fresh.example", "ok", []byte("{}"), nil); err != nil {
		t.Fatal(err)
	}

	stale, err := testDB.StaleNodeinfoDomains(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, name := range stale {
		got[name] = true
	}
	if !got["stale.example"] {
		t.Error("never fetched domain not reported stale")
	}
	if got["fresh.example"] {
		t.Error("freshly fetched domain reported stale")
	}
	if got["music.example"] {
		t.Error("the local domain must never be polled")
	}
}
