package federation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
)

var actorTypes = map[string]bool{
	domain.TypePerson:       true,
	domain.TypeApplication:  true,
	domain.TypeGroup:        true,
	domain.TypeOrganization: true,
	domain.TypeService:      true,
}

// ParseActor builds a domain actor out of the expanded form of a remote
// actor document.
func ParseActor(expanded map[string]any) (*domain.Actor, error) {
	fields := jsonld.Prepare(expanded, map[string]jsonld.FieldConfig{
		"preferredUsername": {Property: jsonld.PropPreferredUsername, Keep: 1, Attr: "@value"},
		"name":              {Property: jsonld.PropName, Keep: 1, Attr: "@value"},
		"summary":           {Property: jsonld.PropSummary, Keep: 1, Attr: "@value"},
		"inbox":             {Property: jsonld.PropInbox, Keep: 1, Attr: "@id"},
		"outbox":            {Property: jsonld.PropOutbox, Keep: 1, Attr: "@id"},
		"followers":         {Property: jsonld.PropFollowers, Keep: 1, Attr: "@id"},
		"following":         {Property: jsonld.PropFollowing, Keep: 1, Attr: "@id"},
	}, map[string]any{
		"name":    "",
		"summary": "",
	})

	fid, err := parseIRI(jsonld.ID(expanded))
	if err != nil {
		return nil, fmt.Errorf("%w: id", ErrMissingProperty)
	}

	actorType := jsonld.Type(expanded)
	if !actorTypes[actorType] {
		return nil, fmt.Errorf("%w: type %q", ErrUnprocessablePropValue, actorType)
	}

	username, _ := fields["preferredUsername"].(string)
	if username == "" {
		return nil, fmt.Errorf("%w: preferredUsername", ErrMissingProperty)
	}

	inboxStr, _ := fields["inbox"].(string)
	inbox, err := parseIRI(inboxStr)
	if err != nil {
		return nil, fmt.Errorf("%w: inbox", ErrMissingProperty)
	}

	a := &domain.Actor{
		Fid:               fid,
		Type:              actorType,
		PreferredUsername: username,
		Domain:            fid.Hostname(),
		InboxUrl:          inbox,
	}
	a.Name, _ = fields["name"].(string)
	a.Summary, _ = fields["summary"].(string)
	a.OutboxUrl = optionalIRI(fields["outbox"])
	a.FollowersUrl = optionalIRI(fields["followers"])
	a.FollowingUrl = optionalIRI(fields["following"])

	a.ManuallyApprovesFollowers = jsonld.FirstBool(expanded, jsonld.NamespaceAS+"manuallyApprovesFollowers")

	if endpoints := jsonld.FirstNode(expanded, jsonld.PropEndpoints); endpoints != nil {
		a.SharedInboxUrl = optionalIRI(jsonld.FirstID(endpoints, jsonld.PropSharedInbox))
	}

	if key := jsonld.FirstNode(expanded, jsonld.PropPublicKey); key != nil {
		a.PublicKey = jsonld.FirstString(key, jsonld.PropPublicKeyPem)
		if owner := jsonld.FirstID(key, jsonld.PropOwner); owner != "" && owner != fid.String() {
			return nil, fmt.Errorf("%w: key owner %q", ErrUnprocessablePropValue, owner)
		}
	}

	return a, nil
}

// Audio is the parsed form of a remote Audio object before it is stored as an
// upload and its track reference.
type Audio struct {
	Fid        *url.URL
	LibraryFid *url.URL
	Title      string
	ArtistName string
	TrackFid   *url.URL
	Source     string
	Mimetype   string
	Size       int64
	Bitrate    int64
	Duration   int64
	Published  time.Time
}

// ParseAudio reads an expanded Audio object. The library reference is
// required so the upload can be attached to a followed library.
func ParseAudio(expanded map[string]any) (*Audio, error) {
	if got := jsonld.Type(expanded); got != "Audio" {
		return nil, fmt.Errorf("%w: type %q", ErrUnprocessablePropValue, got)
	}

	fid, err := parseIRI(jsonld.ID(expanded))
	if err != nil {
		return nil, fmt.Errorf("%w: id", ErrMissingProperty)
	}

	library, err := parseIRI(jsonld.FirstID(expanded, jsonld.PropLibrary))
	if err != nil {
		return nil, fmt.Errorf("%w: library", ErrMissingProperty)
	}

	audio := &Audio{
		Fid:        fid,
		LibraryFid: library,
		Title:      jsonld.FirstString(expanded, jsonld.PropName),
		Size:       jsonld.FirstInt(expanded, jsonld.PropSize),
		Bitrate:    jsonld.FirstInt(expanded, jsonld.PropBitrate),
		Duration:   parseDuration(jsonld.FirstString(expanded, jsonld.PropDuration)),
	}

	if track := jsonld.FirstID(expanded, jsonld.NamespaceFN+"track"); track != "" {
		audio.TrackFid = optionalIRI(track)
	}

	if artists := jsonld.ListNodes(expanded, jsonld.NamespaceFN+"artists"); len(artists) > 0 {
		audio.ArtistName = jsonld.FirstString(artists[0], jsonld.PropName)
	}

	if published := jsonld.FirstString(expanded, jsonld.PropPublished); published != "" {
		audio.Published, _ = time.Parse(time.RFC3339, published)
	}

	// The url property carries Link objects pointing at the audio bytes.
	for _, raw := range []any{expanded[jsonld.PropUrl]} {
		links, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, l := range links {
			link, ok := l.(map[string]any)
			if !ok {
				continue
			}
			href := jsonld.FirstID(link, jsonld.PropHref)
			if href == "" {
				href = jsonld.ID(link)
			}
			if href == "" {
				continue
			}
			audio.Source = href
			audio.Mimetype = jsonld.FirstString(link, jsonld.PropMediaType)
			if strings.HasPrefix(audio.Mimetype, "audio/") {
				break
			}
		}
	}

	if audio.Source == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingProperty)
	}

	if audio.Title == "" {
		audio.Title = audio.Fid.String()
	}

	return audio, nil
}

// parseDuration accepts the second based subset of xsd:duration that music
// software actually emits, like PT180S.
func parseDuration(raw string) int64 {
	raw = strings.TrimPrefix(raw, "PT")
	raw = strings.TrimSuffix(raw, "S")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(seconds)
}

// Library metadata as carried by Library and Update Library documents.
type LibraryDoc struct {
	Fid          *url.URL
	Name         string
	Summary      string
	FollowersUrl *url.URL
	TotalItems   int64
	ActorFid     *url.URL
}

func ParseLibrary(expanded map[string]any) (*LibraryDoc, error) {
	fid, err := parseIRI(jsonld.ID(expanded))
	if err != nil {
		return nil, fmt.Errorf("%w: id", ErrMissingProperty)
	}

	doc := &LibraryDoc{
		Fid:        fid,
		Name:       jsonld.FirstString(expanded, jsonld.PropName),
		Summary:    jsonld.FirstString(expanded, jsonld.PropSummary),
		TotalItems: jsonld.FirstInt(expanded, jsonld.NamespaceAS+"totalItems"),
	}
	doc.FollowersUrl = optionalIRI(jsonld.FirstID(expanded, jsonld.PropFollowers))
	doc.ActorFid = optionalIRI(jsonld.FirstID(expanded, jsonld.NamespaceAS+"attributedTo"))

	if doc.Name == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingProperty)
	}

	return doc, nil
}

func parseIRI(s string) (*url.URL, error) {
	if s == "" {
		return nil, fmt.Errorf("empty IRI")
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("IRI %q has no host", s)
	}
	return u, nil
}

func optionalIRI(v any) *url.URL {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil
	}
	return u
}
