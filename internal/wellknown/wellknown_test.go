package wellknown

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/db/impl"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/initialization"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/state"
)

var (
	testDB    db.DB
	testState *state.State
)

func TestMain(m *testing.M) {
	d, err := initialization.OpenDB("file:wellknowntest?mode=memory")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}
	d.SetMaxOpenConns(1)

	if err = initialization.SetupDB(d, "../../migrations", "wellknowntest"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	cfg := config.Configuration{
		Host:              "music.example",
		Https:             true,
		Name:              "fonoteca test",
		FederationEnabled: true,
		RsaKeySize:        2048,
	}
	cfg.Url, _ = url.Parse("https://music.example")
	testDB = impl.New(cfg, d)

	processor, err := jsonld.NewProcessor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build processor: %s", err)
		return
	}

	testState = &state.State{
		DB:       testDB,
		Config:   &cfg,
		Registry: federation.NewRegistry(testDB, &cfg, nil, processor),
	}

	code := m.Run()
	d.Close()
	os.Exit(code)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	Mount(testState, router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestWebfinger(t *testing.T) {
	fid, _ := url.Parse("https://music.example/federation/actors/maria")
	inbox, _ := url.Parse("https://music.example/federation/actors/maria/inbox")
	if _, err := testDB.UpsertActor(context.Background(), domain.Actor{
		Fid:               fid,
		Type:              domain.TypePerson,
		PreferredUsername: "maria",
		Domain:            "music.example",
		InboxUrl:          inbox,
	}); err != nil {
		t.Fatal(err)
	}

	server := newServer(t)
	res, err := http.Get(server.URL + "/.well-known/webfinger?resource=acct:maria@music.example")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var body WebfingerResponse
	if err = json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Subject != "acct:maria@music.example" {
		t.Errorf("subject = %q", body.Subject)
	}
	var self string
	for _, link := range body.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" {
			self = link.Href
		}
	}
	if self != fid.String() {
		t.Errorf("self link = %q, want %q", self, fid)
	}
}

func TestWebfingerErrors(t *testing.T) {
	server := newServer(t)

	cases := []struct {
		name     string
		resource string
		want     int
	}{
		{"unknown user", "acct:nobody@music.example", http.StatusNotFound},
		{"foreign domain", "acct:maria@elsewhere.example", http.StatusNotFound},
		{"malformed", "maria", http.StatusBadRequest},
		{"empty", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := http.Get(server.URL + "/.well-known/webfinger?resource=" + url.QueryEscape(tc.resource))
			if err != nil {
				t.Fatal(err)
			}
			res.Body.Close()
			if res.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", res.StatusCode, tc.want)
			}
		})
	}
}

func TestNodeinfoDiscovery(t *testing.T) {
	server := newServer(t)
	res, err := http.Get(server.URL + "/.well-known/nodeinfo")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var body struct {
		Links []WebfingerLink `json:"links"`
	}
	if err = json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Links) != 1 || body.Links[0].Rel != nodeinfoSchema20 {
		t.Fatalf("links = %+v", body.Links)
	}
	if body.Links[0].Href != "https://music.example/api/v1/instance/nodeinfo/2.0" {
		t.Errorf("href = %q", body.Links[0].Href)
	}
}

func TestNodeinfo(t *testing.T) {
	server := newServer(t)
	res, err := http.Get(server.URL + "/api/v1/instance/nodeinfo/2.0")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var body nodeinfoDocument
	if err = json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "2.0" {
		t.Errorf("version = %q", body.Version)
	}
	if body.Software.Name != "fonoteca" {
		t.Errorf("software = %q", body.Software.Name)
	}
	if len(body.Protocols) != 1 || body.Protocols[0] != "activitypub" {
		t.Errorf("protocols = %v", body.Protocols)
	}
	if body.Metadata["actorId"] != "https://music.example/federation/actors/service" {
		t.Errorf("actorId = %v", body.Metadata["actorId"])
	}
	allowList, _ := body.Metadata["allowList"].(map[string]any)
	if enabled, _ := allowList["enabled"].(bool); enabled {
		t.Error("allow list reported enabled on a default config")
	}
	if _, ok := allowList["domains"]; ok {
		t.Error("allow list domains exposed while not public")
	}
}
