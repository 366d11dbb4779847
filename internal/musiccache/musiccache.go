// Package musiccache stores local copies of remote audio files. Remote
// uploads are announced with metadata only; the bytes are pulled the first
// time somebody listens and kept until the cache TTL evicts them.
package musiccache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/gruf/go-mutexes"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
)

var (
	ErrNoSource = errors.New("upload has no fetchable source")
	// ErrTooLarge means the remote file exceeded the configured entry cap.
	ErrTooLarge = errors.New("remote audio exceeds the cache entry size cap")
)

// cacheDir is where cached remote audio lives, relative to the media root.
const cacheDir = "federation_cache"

// orphanGrace protects files that are still being written from the orphan
// sweep.
const orphanGrace = time.Hour

var mimetypeExtensions = map[string]string{
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/ogg":    "ogg",
	"audio/opus":   "opus",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/aac":    "aac",
	"audio/mp4":    "m4a",
	"audio/x-m4a":  "m4a",
}

// Cache fetches and serves audio files for remote uploads.
type Cache struct {
	db     db.DB
	cfg    *config.Configuration
	client *client.HttpClient
	// locks serializes concurrent fetches of the same upload so the bytes
	// are only pulled once.
	locks *mutexes.MutexMap
}

func New(database db.DB, cfg *config.Configuration, httpClient *client.HttpClient) *Cache {
	locks := mutexes.MutexMap{}
	return &Cache{
		db:     database,
		cfg:    cfg,
		client: httpClient,
		locks:  &locks,
	}
}

// Serve returns the path of a local file with the upload's audio, fetching
// and caching it first when necessary. The access date is refreshed so the
// eviction cutoff moves with actual listening.
func (c *Cache) Serve(ctx context.Context, upload domain.Upload) (string, error) {
	if upload.AudioFile != "" {
		if _, err := os.Stat(upload.AudioFile); err == nil {
			return upload.AudioFile, c.db.TouchUpload(ctx, upload.ID, time.Now())
		}
		// The file went away underneath us, refetch below.
		log.Warn().Str("path", upload.AudioFile).Msg("cached audio file missing from disk")
	}

	if !upload.IsRemote() {
		return "", ErrNoSource
	}

	unlock := c.locks.Lock(upload.Uuid.String())
	defer unlock()

	// Another listener may have fetched it while we waited on the lock.
	current, err := c.db.GetUploadByID(ctx, upload.ID)
	if err != nil {
		return "", err
	}
	if current.AudioFile != "" {
		if _, err = os.Stat(current.AudioFile); err == nil {
			return current.AudioFile, c.db.TouchUpload(ctx, upload.ID, time.Now())
		}
	}

	path, err := c.fetch(ctx, current)
	if err != nil {
		return "", err
	}
	return path, c.db.SetUploadAudioFile(ctx, upload.ID, path, time.Now())
}

func (c *Cache) fetch(ctx context.Context, upload domain.Upload) (string, error) {
	source, err := url.Parse(upload.Source)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoSource, upload.Source)
	}

	log.Info().
		Str("source", upload.Source).
		Str("upload", upload.Uuid.String()).
		Msg("fetching remote audio")

	res, err := c.client.Dereference(ctx, source)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	path := c.path(upload, res.Header.Get("Content-Type"))
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	// Download into a temporary file and rename, so a partial fetch never
	// shows up as a playable track.
	tmp, err := os.CreateTemp(filepath.Dir(path), "fetch-*")
	if err != nil {
		return "", err
	}
	if err = c.copyCapped(tmp, res.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// copyCapped writes body to dst, refusing bodies over the configured entry
// size so one oversized remote file cannot fill the disk.
func (c *Cache) copyCapped(dst io.Writer, body io.Reader) error {
	limit := c.cfg.MaxCacheEntrySize
	if limit < 1 {
		_, err := io.Copy(dst, body)
		return err
	}

	n, err := io.Copy(dst, io.LimitReader(body, limit))
	if err != nil {
		return err
	}
	if n == limit {
		// Check whether the body genuinely ended at the cap.
		var one [1]byte
		if extra, _ := body.Read(one[:]); extra > 0 {
			return ErrTooLarge
		}
	}
	return nil
}

// path shards cached files over two directory levels so no single directory
// grows unboundedly large.
func (c *Cache) path(upload domain.Upload, contentType string) string {
	name := upload.Uuid.String()
	ext := extension(upload.Mimetype)
	if ext == "" {
		ext = extension(contentType)
	}
	if ext == "" {
		ext = "audio"
	}
	return filepath.Join(c.cacheRoot(), name[0:2], name[2:4], name+"."+ext)
}

func (c *Cache) cacheRoot() string {
	return filepath.Join(c.cfg.MediaRoot, cacheDir, "tracks")
}

func extension(mimetype string) string {
	return mimetypeExtensions[mimetype]
}

// Evict removes cached files that nobody listened to within the configured
// cache duration. The upload rows survive; only the local bytes go.
func (c *Cache) Evict(ctx context.Context) error {
	if c.cfg.MusicCacheDuration < 1 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(c.cfg.MusicCacheDuration) * time.Minute)

	uploads, err := c.db.EvictableUploads(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, upload := range uploads {
		if upload.AudioFile == "" {
			continue
		}
		if err := os.Remove(upload.AudioFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("path", upload.AudioFile).Msg("failed to evict cached audio")
			continue
		}
		if err := c.db.ClearUploadAudioFile(ctx, upload.ID); err != nil {
			return err
		}
		log.Debug().
			Str("upload", upload.Uuid.String()).
			Str("path", upload.AudioFile).
			Msg("evicted cached audio")
	}
	return nil
}

// SweepOrphans deletes files in the cache directory that no upload row
// references anymore, for instance after a remote library was deleted.
// Recent files are spared in case a fetch is still in flight.
func (c *Cache) SweepOrphans(ctx context.Context) error {
	known, err := c.db.CachedAudioFiles(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(known))
	for _, p := range known {
		referenced[p] = true
	}

	root := c.cacheRoot()
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || referenced[path] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if time.Since(info.ModTime()) < orphanGrace {
			return nil
		}
		if err = os.Remove(path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to remove orphaned file")
			return nil
		}
		log.Debug().Str("path", path).Msg("removed orphaned cache file")
		return nil
	})
}
