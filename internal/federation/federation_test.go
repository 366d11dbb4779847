package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/db/impl"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/initialization"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/mrf"
)

var (
	testDB  db.DB
	testCfg config.Configuration
)

func TestMain(m *testing.M) {
	d, err := initialization.OpenDB("file:fedtest?mode=memory")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}
	// A single connection keeps every test on the same in-memory database.
	d.SetMaxOpenConns(1)

	if err = initialization.SetupDB(d, "../../migrations", "fedtest"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	testCfg = config.Configuration{
		Host:               "music.example",
		Https:              true,
		Name:               "fonoteca",
		FederationEnabled:  true,
		ActorFetchDelay:    60 * 12,
		CollectionPageSize: 25,
		RsaKeySize:         2048,
	}
	testCfg.Url, _ = url.Parse("https://music.example")
	testDB = impl.New(testCfg, d)

	code := m.Run()
	d.Close()
	os.Exit(code)
}

func newTestInbox(t *testing.T, cfg config.Configuration) *Inbox {
	t.Helper()
	processor, err := jsonld.NewProcessor()
	if err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry(testDB, &cfg, nil, processor)
	outbox := NewOutbox(testDB, &cfg, mrf.NewRegistry("outbox-test"))
	return NewInbox(testDB, &cfg, registry, nil, processor, outbox, mrf.NewRegistry("inbox-test"))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func createRemoteActor(t *testing.T, name string) domain.Actor {
	t.Helper()
	actor, err := testDB.UpsertActor(context.Background(), domain.Actor{
		Fid:               mustURL(t, "https://remote.example/actors/"+name),
		Type:              domain.TypePerson,
		PreferredUsername: name,
		Domain:            "remote.example",
		InboxUrl:          mustURL(t, "https://remote.example/actors/"+name+"/inbox"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return actor
}

func createLocalActor(t *testing.T, name string) domain.Actor {
	t.Helper()
	actor, err := testDB.UpsertActor(context.Background(), domain.Actor{
		Fid:               mustURL(t, "https://music.example/federation/actors/"+name),
		Type:              domain.TypePerson,
		PreferredUsername: name,
		Domain:            "music.example",
		InboxUrl:          mustURL(t, "https://music.example/federation/actors/"+name+"/inbox"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return actor
}

func createLibrary(t *testing.T, owner domain.Actor, privacy string) domain.Library {
	t.Helper()
	id := uuid.New()
	base := owner.Fid.String() + "/libraries/" + id.String()
	library, err := testDB.CreateLibrary(context.Background(), domain.Library{
		Uuid:         id,
		Fid:          mustURL(t, base),
		ActorID:      owner.ID,
		Name:         "Test library",
		PrivacyLevel: privacy,
		FollowersUrl: mustURL(t, base+"/followers"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return library
}

// deliveriesTo returns the pending deliveries addressed to the given inbox.
func deliveriesTo(t *testing.T, inbox *url.URL) []domain.Delivery {
	t.Helper()
	all, err := testDB.DueDeliveries(context.Background(), time.Now().Add(time.Hour), 1000)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.Delivery
	for _, d := range all {
		if d.InboxUrl.String() == inbox.String() {
			out = append(out, d)
		}
	}
	return out
}

func TestReceiveFollowAutoApproves(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.MusicNeedsApproval = false
	inbox := newTestInbox(t, cfg)

	owner := createLocalActor(t, "alice")
	library := createLibrary(t, owner, config.PrivacyEveryone)
	bob := createRemoteActor(t, "bob")

	followFid := "https://remote.example/activities/" + uuid.NewString()
	err := inbox.Receive(ctx, map[string]any{
		"id":     followFid,
		"type":   "Follow",
		"actor":  bob.Fid.String(),
		"object": library.Fid.String(),
	}, bob)
	if err != nil {
		t.Fatal(err)
	}

	follow, err := testDB.GetFollowByFid(ctx, mustURL(t, followFid))
	if err != nil {
		t.Fatal(err)
	}
	if follow.Approved == nil || !*follow.Approved {
		t.Error("follow on a public library was not auto-approved")
	}

	deliveries := deliveriesTo(t, bob.InboxUrl)
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries to follower, want 1", len(deliveries))
	}
	accept, err := testDB.GetActivityByID(ctx, deliveries[0].ActivityID)
	if err != nil {
		t.Fatal(err)
	}
	if accept.Type != "Accept" {
		t.Errorf("delivered activity type = %q, want Accept", accept.Type)
	}
}

func TestReceiveFollowPendingWhenApprovalRequired(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.MusicNeedsApproval = true
	inbox := newTestInbox(t, cfg)

	owner := createLocalActor(t, "amara")
	library := createLibrary(t, owner, config.PrivacyEveryone)
	dan := createRemoteActor(t, "dan")

	followFid := "https://remote.example/activities/" + uuid.NewString()
	err := inbox.Receive(ctx, map[string]any{
		"id":     followFid,
		"type":   "Follow",
		"actor":  dan.Fid.String(),
		"object": library.Fid.String(),
	}, dan)
	if err != nil {
		t.Fatal(err)
	}

	follow, err := testDB.GetFollowByFid(ctx, mustURL(t, followFid))
	if err != nil {
		t.Fatal(err)
	}
	if !follow.IsPending() {
		t.Error("follow should stay pending when approval is required")
	}
	if got := deliveriesTo(t, dan.InboxUrl); len(got) != 0 {
		t.Errorf("got %d deliveries for a pending follow, want 0", len(got))
	}
}

func TestReceiveFollowReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.MusicNeedsApproval = false
	inbox := newTestInbox(t, cfg)

	owner := createLocalActor(t, "ines")
	library := createLibrary(t, owner, config.PrivacyEveryone)
	remote := createRemoteActor(t, "pat")

	payload := map[string]any{
		"id":     "https://remote.example/activities/" + uuid.NewString(),
		"type":   "Follow",
		"actor":  remote.Fid.String(),
		"object": library.Fid.String(),
	}
	if err := inbox.Receive(ctx, payload, remote); err != nil {
		t.Fatal(err)
	}
	before := len(deliveriesTo(t, remote.InboxUrl))

	// The exact same activity arriving again is a no-op.
	if err := inbox.Receive(ctx, payload, remote); err != nil {
		t.Fatal(err)
	}
	if after := len(deliveriesTo(t, remote.InboxUrl)); after != before {
		t.Errorf("replay changed delivery count from %d to %d", before, after)
	}
}

func TestReceiveActorMismatch(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	sender := createRemoteActor(t, "mallory")
	err := inbox.Receive(ctx, map[string]any{
		"id":     "https://remote.example/activities/" + uuid.NewString(),
		"type":   "Follow",
		"actor":  "https://remote.example/actors/somebody-else",
		"object": "https://music.example/federation/libraries/x",
	}, sender)
	if !errors.Is(err, ErrActorMismatch) {
		t.Errorf("Receive() = %v, want ErrActorMismatch", err)
	}
}

func TestReceiveUndoFollow(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.MusicNeedsApproval = false
	inbox := newTestInbox(t, cfg)

	owner := createLocalActor(t, "olga")
	library := createLibrary(t, owner, config.PrivacyEveryone)
	remote := createRemoteActor(t, "quinn")

	followFid := "https://remote.example/activities/" + uuid.NewString()
	err := inbox.Receive(ctx, map[string]any{
		"id":     followFid,
		"type":   "Follow",
		"actor":  remote.Fid.String(),
		"object": library.Fid.String(),
	}, remote)
	if err != nil {
		t.Fatal(err)
	}

	err = inbox.Receive(ctx, map[string]any{
		"id":    "https://remote.example/activities/" + uuid.NewString(),
		"type":  "Undo",
		"actor": remote.Fid.String(),
		"object": map[string]any{
			"id":     followFid,
			"type":   "Follow",
			"actor":  remote.Fid.String(),
			"object": library.Fid.String(),
		},
	}, remote)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = testDB.GetFollowByFid(ctx, mustURL(t, followFid)); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("follow still present after undo, err = %v", err)
	}
}

type scanRecorder struct {
	libraries []int64
	retries   []int64
}

func (s *scanRecorder) ScheduleScan(_ context.Context, libraryID int64) error {
	s.libraries = append(s.libraries, libraryID)
	return nil
}

func (s *scanRecorder) ScheduleInboxRetry(_ context.Context, activityID int64) error {
	s.retries = append(s.retries, activityID)
	return nil
}

func TestReceiveAcceptApprovesAndSchedulesScan(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)
	recorder := &scanRecorder{}
	inbox.SetScheduler(recorder)

	carol := createRemoteActor(t, "carol")
	remoteLibrary := createLibrary(t, carol, config.PrivacyEveryone)
	local := createLocalActor(t, "uli")

	followFid := mustURL(t, "https://music.example/federation/activities/"+uuid.NewString())
	if _, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       followFid,
		ActorID:   local.ID,
		LibraryID: remoteLibrary.ID,
	}); err != nil {
		t.Fatal(err)
	}

	err := inbox.Receive(ctx, map[string]any{
		"id":    "https://remote.example/activities/" + uuid.NewString(),
		"type":  "Accept",
		"actor": carol.Fid.String(),
		"object": map[string]any{
			"id":     followFid.String(),
			"type":   "Follow",
			"actor":  local.Fid.String(),
			"object": remoteLibrary.Fid.String(),
		},
	}, carol)
	if err != nil {
		t.Fatal(err)
	}

	got, err := testDB.GetFollow(ctx, local.ID, remoteLibrary.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Approved == nil || !*got.Approved {
		t.Error("follow was not approved")
	}
	if len(recorder.libraries) != 1 || recorder.libraries[0] != remoteLibrary.ID {
		t.Errorf("scheduled scans = %v, want [%d]", recorder.libraries, remoteLibrary.ID)
	}
}

func TestReceiveAcceptFromWrongActor(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	carol := createRemoteActor(t, "carla")
	imposter := createRemoteActor(t, "imposter")
	remoteLibrary := createLibrary(t, carol, config.PrivacyEveryone)
	local := createLocalActor(t, "vic")

	followFid := mustURL(t, "https://music.example/federation/activities/"+uuid.NewString())
	if _, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       followFid,
		ActorID:   local.ID,
		LibraryID: remoteLibrary.ID,
	}); err != nil {
		t.Fatal(err)
	}

	err := inbox.Receive(ctx, map[string]any{
		"id":    "https://remote.example/activities/" + uuid.NewString(),
		"type":  "Accept",
		"actor": imposter.Fid.String(),
		"object": map[string]any{
			"id":   followFid.String(),
			"type": "Follow",
		},
	}, imposter)
	if !errors.Is(err, ErrActorMismatch) {
		t.Errorf("Receive() = %v, want ErrActorMismatch", err)
	}

	got, err := testDB.GetFollow(ctx, local.ID, remoteLibrary.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsPending() {
		t.Error("follow state changed by an accept from the wrong actor")
	}
}

func TestReceiveCreateAudio(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	carol := createRemoteActor(t, "carmen")
	remoteLibrary := createLibrary(t, carol, config.PrivacyEveryone)
	local := createLocalActor(t, "wes")

	follow, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       mustURL(t, "https://music.example/federation/activities/"+uuid.NewString()),
		ActorID:   local.ID,
		LibraryID: remoteLibrary.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = testDB.SetFollowApproved(ctx, follow.ID, true); err != nil {
		t.Fatal(err)
	}

	uploadFid := "https://remote.example/federation/uploads/" + uuid.NewString()
	err = inbox.Receive(ctx, map[string]any{
		"id":    "https://remote.example/activities/" + uuid.NewString(),
		"type":  "Create",
		"actor": carol.Fid.String(),
		"object": map[string]any{
			"id":       uploadFid,
			"type":     "Audio",
			"name":     "Carmen - Habanera",
			"library":  remoteLibrary.Fid.String(),
			"size":     3200000,
			"bitrate":  192,
			"duration": "PT185S",
			"url": map[string]any{
				"type":      "Link",
				"href":      "https://remote.example/media/habanera.mp3",
				"mediaType": "audio/mpeg",
			},
		},
	}, carol)
	if err != nil {
		t.Fatal(err)
	}

	upload, err := testDB.GetUploadByFid(ctx, mustURL(t, uploadFid))
	if err != nil {
		t.Fatal(err)
	}
	if upload.ImportStatus != domain.ImportFinished {
		t.Errorf("import status = %q, want %q", upload.ImportStatus, domain.ImportFinished)
	}
	if upload.Source != "https://remote.example/media/habanera.mp3" {
		t.Errorf("source = %q", upload.Source)
	}
	if upload.Mimetype != "audio/mpeg" {
		t.Errorf("mimetype = %q", upload.Mimetype)
	}
	if upload.AudioFile != "" {
		t.Error("remote upload should not have a cached file before the first listen")
	}

	track, err := testDB.GetTrackByID(ctx, upload.TrackID)
	if err != nil {
		t.Fatal(err)
	}
	if track.Title != "Carmen - Habanera" {
		t.Errorf("track title = %q", track.Title)
	}
}

func TestReceiveCreateAudioIgnoredWithoutFollow(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	carol := createRemoteActor(t, "cesar")
	remoteLibrary := createLibrary(t, carol, config.PrivacyEveryone)

	uploadFid := "https://remote.example/federation/uploads/" + uuid.NewString()
	err := inbox.Receive(ctx, map[string]any{
		"id":    "https://remote.example/activities/" + uuid.NewString(),
		"type":  "Create",
		"actor": carol.Fid.String(),
		"object": map[string]any{
			"id":      uploadFid,
			"type":    "Audio",
			"name":    "Unwanted",
			"library": remoteLibrary.Fid.String(),
			"url": map[string]any{
				"type":      "Link",
				"href":      "https://remote.example/media/x.mp3",
				"mediaType": "audio/mpeg",
			},
		},
	}, carol)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = testDB.GetUploadByFid(ctx, mustURL(t, uploadFid)); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("upload stored for an unfollowed library, err = %v", err)
	}
}

func TestReceiveDeleteActor(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	remote := createRemoteActor(t, "gone")
	library := createLibrary(t, remote, config.PrivacyEveryone)

	err := inbox.Receive(ctx, map[string]any{
		"id":     "https://remote.example/activities/" + uuid.NewString(),
		"type":   "Delete",
		"actor":  remote.Fid.String(),
		"object": remote.Fid.String(),
	}, remote)
	if err != nil {
		t.Fatal(err)
	}

	actor, err := testDB.GetActorByID(ctx, remote.ID)
	if err != nil {
		t.Fatal(err)
	}
	if actor.Type != domain.TypeTombstone {
		t.Errorf("actor type = %q, want Tombstone", actor.Type)
	}
	if _, err = testDB.GetLibraryByID(ctx, library.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("library survived its owner's deletion, err = %v", err)
	}
}

func TestOutboxCreateAudioDeliveries(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg
	cfg.MusicNeedsApproval = false
	inbox := newTestInbox(t, cfg)

	owner := createLocalActor(t, "zoe")
	library := createLibrary(t, owner, config.PrivacyEveryone)
	follower := createRemoteActor(t, "yan")

	// Follow first so the follower is in the library's audience.
	err := inbox.Receive(ctx, map[string]any{
		"id":     "https://remote.example/activities/" + uuid.NewString(),
		"type":   "Follow",
		"actor":  follower.Fid.String(),
		"object": library.Fid.String(),
	}, follower)
	if err != nil {
		t.Fatal(err)
	}
	before := len(deliveriesTo(t, follower.InboxUrl))

	track, err := testDB.GetOrCreateTrack(ctx, domain.Track{
		Uuid:       uuid.New(),
		Title:      "Ombra mai fu",
		ArtistName: "Handel",
	})
	if err != nil {
		t.Fatal(err)
	}
	upload, err := testDB.UpsertUpload(ctx, domain.Upload{
		Uuid:         uuid.New(),
		Fid:          mustURL(t, "https://music.example/federation/uploads/"+uuid.NewString()),
		LibraryID:    library.ID,
		TrackID:      track.ID,
		ImportStatus: domain.ImportFinished,
		Mimetype:     "audio/ogg",
		Source:       "file://media/ombra.ogg",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = inbox.outbox.Dispatch(ctx,
		map[string]any{"type": "Create", "object": map[string]any{"type": "Audio"}},
		OutboxData{
			Actor:   &owner,
			Library: &library,
			Uploads: []domain.Upload{upload},
			Tracks:  map[int64]*domain.Track{track.ID: &track},
		})
	if err != nil {
		t.Fatal(err)
	}

	after := deliveriesTo(t, follower.InboxUrl)
	if len(after) != before+1 {
		t.Fatalf("got %d deliveries, want %d", len(after), before+1)
	}
	activity, err := testDB.GetActivityByID(ctx, after[len(after)-1].ActivityID)
	if err != nil {
		t.Fatal(err)
	}
	if activity.Type != "Create" {
		t.Errorf("activity type = %q, want Create", activity.Type)
	}

	var payload map[string]any
	if err := json.Unmarshal(activity.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	object, _ := payload["object"].(map[string]any)
	if object["type"] != "Audio" {
		t.Errorf("object type = %v, want Audio", object["type"])
	}
	if object["name"] != "Handel - Ombra mai fu" {
		t.Errorf("object name = %v, want artist - title", object["name"])
	}
}

func TestReceiveAddressedToFollowersCollection(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)

	carol := createRemoteActor(t, "celia")
	remoteLibrary := createLibrary(t, carol, config.PrivacyEveryone)
	local := createLocalActor(t, "xeno")

	follow, err := testDB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       mustURL(t, "https://music.example/federation/activities/"+uuid.NewString()),
		ActorID:   local.ID,
		LibraryID: remoteLibrary.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = testDB.SetFollowApproved(ctx, follow.ID, true); err != nil {
		t.Fatal(err)
	}

	activityFid := "https://remote.example/activities/" + uuid.NewString()
	err = inbox.Receive(ctx, map[string]any{
		"id":    activityFid,
		"type":  "Create",
		"actor": carol.Fid.String(),
		"to":    []any{remoteLibrary.FollowersUrl.String()},
		"object": map[string]any{
			"id":      "https://remote.example/federation/uploads/" + uuid.NewString(),
			"type":    "Audio",
			"name":    "Celia - Guantanamera",
			"library": remoteLibrary.Fid.String(),
			"url": map[string]any{
				"type":      "Link",
				"href":      "https://remote.example/media/guantanamera.mp3",
				"mediaType": "audio/mpeg",
			},
		},
	}, carol)
	if err != nil {
		t.Fatal(err)
	}

	activity, err := testDB.GetActivityByFid(ctx, mustURL(t, activityFid))
	if err != nil {
		t.Fatal(err)
	}
	items, err := testDB.UnreadInboxItems(ctx, activity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ActorID != local.ID {
		t.Errorf("inbox items = %+v, want one for the approved follower", items)
	}
}

func TestReceiveHandlerFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t, testCfg)
	recorder := &scanRecorder{}
	inbox.SetScheduler(recorder)

	inbox.Router().Connect(Match{"type": "Like"}, func(context.Context, *InboxContext) error {
		return errors.New("remote unreachable")
	})

	sender := createRemoteActor(t, "yuric")
	fid := "https://remote.example/activities/" + uuid.NewString()
	err := inbox.Receive(ctx, map[string]any{
		"id":     fid,
		"type":   "Like",
		"actor":  sender.Fid.String(),
		"object": "https://music.example/federation/uploads/" + uuid.NewString(),
	}, sender)
	if err != nil {
		t.Fatalf("Receive() = %v, want nil for a transient handler failure", err)
	}

	activity, err := testDB.GetActivityByFid(ctx, mustURL(t, fid))
	if err != nil {
		t.Fatal(err)
	}
	if len(recorder.retries) != 1 || recorder.retries[0] != activity.ID {
		t.Errorf("scheduled retries = %v, want [%d]", recorder.retries, activity.ID)
	}

	// A later run with the failure gone completes the processing.
	healed := newTestInbox(t, testCfg)
	var handled int64
	healed.Router().Connect(Match{"type": "Like"}, func(_ context.Context, ictx *InboxContext) error {
		handled = ictx.Activity.ID
		return nil
	})
	if err = healed.Redispatch(ctx, activity.ID); err != nil {
		t.Fatalf("Redispatch() = %v", err)
	}
	if handled != activity.ID {
		t.Errorf("handler saw activity %d, want %d", handled, activity.ID)
	}
}
