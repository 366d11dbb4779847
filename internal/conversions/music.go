package conversions

import (
	"fmt"
	"net/url"

	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
)

// Library and Audio documents carry vocabulary from our own namespace, which
// the streams types cannot express, so they are built as plain maps.

func LibraryToMap(lib *domain.Library, owner *domain.Actor) map[string]any {
	doc := map[string]any{
		"@context":     jsonld.DefaultContexts,
		"type":         "Library",
		"id":           lib.Fid.String(),
		"attributedTo": owner.Fid.String(),
		"name":         lib.Name,
		"totalItems":   lib.UploadsCount,
		"first":        collectionPage(lib.Fid, 1).String(),
		"current":      collectionPage(lib.Fid, 1).String(),
	}
	if lib.Description != "" {
		doc["summary"] = lib.Description
	}
	if lib.FollowersUrl != nil {
		doc["followers"] = lib.FollowersUrl.String()
	}
	if lib.PrivacyLevel == "everyone" {
		doc["audience"] = domain.Public.String()
	}
	return doc
}

// LibraryPageToMap renders one page of a library collection. Pages are one
// based, matching the page query parameter.
func LibraryPageToMap(lib *domain.Library, owner *domain.Actor, items []map[string]any, page, pageSize int) map[string]any {
	doc := map[string]any{
		"@context":     jsonld.DefaultContexts,
		"type":         "CollectionPage",
		"id":           collectionPage(lib.Fid, page).String(),
		"partOf":       lib.Fid.String(),
		"attributedTo": owner.Fid.String(),
		"totalItems":   lib.UploadsCount,
		"items":        items,
	}
	if page > 1 {
		doc["prev"] = collectionPage(lib.Fid, page-1).String()
	}
	if int64(page*pageSize) < lib.UploadsCount {
		doc["next"] = collectionPage(lib.Fid, page+1).String()
	}
	return doc
}

func collectionPage(base *url.URL, page int) *url.URL {
	u := *base
	u.RawQuery = fmt.Sprintf("page=%d", page)
	return &u
}

// AudioToMap renders an upload and its track as an Audio object. listenUrl is
// where the actual bytes can be fetched by authorized followers.
func AudioToMap(upload *domain.Upload, track *domain.Track, lib *domain.Library, listenUrl *url.URL) map[string]any {
	doc := map[string]any{
		"@context": jsonld.DefaultContexts,
		"type":     "Audio",
		"id":       upload.Fid.String(),
		"name":     audioName(track),
		"library":  lib.Fid.String(),
		"url": map[string]any{
			"type":      "Link",
			"mediaType": upload.Mimetype,
			"href":      listenUrl.String(),
		},
	}
	if upload.Size > 0 {
		doc["size"] = upload.Size
	}
	if upload.Bitrate > 0 {
		doc["bitrate"] = upload.Bitrate
	}
	if upload.Duration > 0 {
		doc["duration"] = fmt.Sprintf("PT%dS", upload.Duration)
	}
	if track != nil && track.Fid != nil {
		doc["track"] = track.Fid.String()
	}
	if track != nil && track.ArtistName != "" {
		doc["artists"] = []any{map[string]any{"type": "Artist", "name": track.ArtistName}}
	}
	return doc
}

func audioName(track *domain.Track) string {
	if track == nil {
		return ""
	}
	if track.ArtistName != "" {
		return track.ArtistName + " - " + track.Title
	}
	return track.Title
}

// FollowersPageToMap renders a library's followers collection: only the
// approved ones are ever listed.
func FollowersPageToMap(lib *domain.Library, followers []*domain.Actor) map[string]any {
	items := make([]string, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.Fid.String())
	}
	return map[string]any{
		"@context":   jsonld.DefaultContexts,
		"type":       "Collection",
		"id":         lib.FollowersUrl.String(),
		"totalItems": len(items),
		"items":      items,
	}
}
