package queue

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/db/impl"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/initialization"
)

var (
	testDB  db.DB
	testCfg config.Configuration
	testKey *rsa.PrivateKey
)

func TestMain(m *testing.M) {
	d, err := initialization.OpenDB("file:queuetest?mode=memory")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}
	d.SetMaxOpenConns(1)

	if err = initialization.SetupDB(d, "../../migrations", "queuetest"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	testCfg = config.Configuration{
		Host:              "music.example",
		Https:             true,
		FederationEnabled: true,
	}
	testCfg.Url, _ = url.Parse("https://music.example")
	testDB = impl.New(testCfg, d)

	if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %s", err)
		return
	}

	code := m.Run()
	d.Close()
	os.Exit(code)
}

func newDeliveryQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := testCfg
	keyId, _ := url.Parse("https://music.example/federation/actors/service#main-key")
	httpClient, err := client.New(http.DefaultClient, testKey, keyId)
	if err != nil {
		t.Fatal(err)
	}
	return &Queue{db: testDB, cfg: &cfg, client: httpClient}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// createDelivery sets up an actor, an activity, and one pending delivery to
// the given inbox url.
func createDelivery(t *testing.T, inbox string) domain.Delivery {
	t.Helper()
	ctx := context.Background()

	actor, err := testDB.UpsertActor(ctx, domain.Actor{
		Fid:               mustURL(t, "https://music.example/federation/actors/"+uuid.NewString()),
		Type:              domain.TypePerson,
		PreferredUsername: "sender",
		Domain:            "music.example",
		InboxUrl:          mustURL(t, "https://music.example/inbox"),
	})
	if err != nil {
		t.Fatal(err)
	}

	fid := "https://music.example/federation/activities/" + uuid.NewString()
	payload, _ := json.Marshal(map[string]any{"id": fid, "type": "Create"})
	activity, err := testDB.CreateActivity(ctx, domain.Activity{
		Uuid:    uuid.New(),
		Fid:     mustURL(t, fid),
		Type:    "Create",
		ActorID: actor.ID,
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = testDB.CreateDeliveries(ctx, activity.ID, []string{inbox}, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	due, err := testDB.DueDeliveries(ctx, time.Now(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.ActivityID == activity.ID {
			return d
		}
	}
	t.Fatal("created delivery is not due")
	return domain.Delivery{}
}

func findDelivery(t *testing.T, id int64) (domain.Delivery, bool) {
	t.Helper()
	due, err := testDB.DueDeliveries(context.Background(), time.Now().Add(48*time.Hour), 1000)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.ID == id {
			return d, true
		}
	}
	return domain.Delivery{}, false
}

func TestAttemptDeliversAndMarksSuccess(t *testing.T) {
	var posts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if r.Header.Get("Signature") == "" {
			t.Error("delivery arrived unsigned")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	q := newDeliveryQueue(t)
	delivery := createDelivery(t, server.URL+"/inbox")

	if err := q.ProcessDueDeliveries(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := posts.Load(); got != 1 {
		t.Errorf("inbox received %d posts, want 1", got)
	}
	if _, pending := findDelivery(t, delivery.ID); pending {
		t.Error("delivered delivery still pending")
	}
}

func TestAttemptReschedulesOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database on fire", http.StatusInternalServerError)
	}))
	defer server.Close()

	q := newDeliveryQueue(t)
	delivery := createDelivery(t, server.URL+"/inbox")
	before := time.Now()

	if err := q.ProcessDueDeliveries(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, pending := findDelivery(t, delivery.ID)
	if !pending {
		t.Fatal("failed delivery is gone from the retry ledger")
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Terminal {
		t.Error("a 500 must not be terminal")
	}
	if !got.NextAttemptDate.After(before) {
		t.Errorf("next attempt %s not pushed into the future", got.NextAttemptDate)
	}
}

func TestAttemptTerminalOnPermanentRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer server.Close()

	q := newDeliveryQueue(t)
	delivery := createDelivery(t, server.URL+"/inbox")

	if err := q.ProcessDueDeliveries(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, pending := findDelivery(t, delivery.ID); pending {
		t.Error("delivery rejected with 403 still scheduled for retry")
	}
}

func TestPermanentRejection(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", &client.StatusError{StatusCode: 404}, true},
		{"gone", &client.StatusError{StatusCode: 410}, true},
		{"forbidden", &client.StatusError{StatusCode: 403}, true},
		{"unauthorized", &client.StatusError{StatusCode: 401}, false},
		{"request timeout", &client.StatusError{StatusCode: 408}, false},
		{"rate limited", &client.StatusError{StatusCode: 429}, false},
		{"server error", &client.StatusError{StatusCode: 500}, false},
		{"network error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := permanentRejection(tc.err); got != tc.want {
				t.Errorf("permanentRejection() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempts int64
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.attempts); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}

	if got := retryDelay(30); got > deliveryMaxDelay {
		t.Errorf("retryDelay(30) = %s, exceeds the cap", got)
	}
}
