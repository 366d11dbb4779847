package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	PrivacyMe       = "me"
	PrivacyInstance = "instance"
	PrivacyEveryone = "everyone"
)

type Configuration struct {
	// MediaRoot is the root of the directory on which audio files, including the
	// federation cache for remote uploads, are stored.
	MediaRoot string
	// DbUrl is the path to the database file.
	DbUrl string
	// MigrationsFolder holds the SQL migration files applied at setup.
	MigrationsFolder string
	// FederationEnabled, when false, disables outbound deliveries. Inbound
	// activities are still verified and processed.
	FederationEnabled bool
	// ActorFetchDelay is the TTL, in minutes, on cached remote actor documents
	// before they are fetched again.
	ActorFetchDelay int
	// MusicCacheDuration is the TTL, in minutes, for cached remote audio files.
	// Values below 1 disable cache eviction.
	MusicCacheDuration int
	// MaxCacheEntrySize caps, in bytes, how large a single fetched audio file
	// may be. Values below 1 disable the cap.
	MaxCacheEntrySize int64
	// CollectionPageSize is the number of items per federated collection page.
	CollectionPageSize int
	// MusicNeedsApproval, when true, holds new library follows pending until the
	// library owner approves them, regardless of the library privacy level.
	MusicNeedsApproval bool
	// AllowListEnabled turns on the MRF allow-list policy.
	AllowListEnabled bool
	// AllowListPublic exposes the allowed domains in the NodeInfo payload.
	AllowListPublic bool
	// RsaKeySize specifies the size of the RSA keys generated for local actors.
	RsaKeySize int
	// Debug, if true, makes the application log all HTTP requests and other events.
	Debug bool
	// Name of the instance.
	Name  string
	Https bool
	// Host is the name of the host running the application.
	Host string
	Port uint16
	// Url is the instance's base url, derived from Https and Host.
	Url *url.URL
}

// ReadConfig loads fonoteca.yaml from the working directory, applies
// environment overrides prefixed with FONOTECA_, and returns the resulting
// configuration. Missing keys fall back to defaults suitable for development.
func ReadConfig() (Configuration, error) {
	v := viper.New()
	v.SetConfigName("fonoteca")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("fonoteca")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("media_root", "media")
	v.SetDefault("db_url", "fonoteca.db")
	v.SetDefault("migrations_folder", "migrations")
	v.SetDefault("federation_enabled", true)
	v.SetDefault("actor_fetch_delay", 60*12)
	v.SetDefault("music_cache_duration", 60*24*2)
	v.SetDefault("max_cache_entry_size", 1<<30)
	v.SetDefault("collection_page_size", 25)
	v.SetDefault("music_needs_approval", true)
	v.SetDefault("allow_list_enabled", false)
	v.SetDefault("allow_list_public", false)
	v.SetDefault("rsa_key_size", 2048)
	v.SetDefault("https", true)
	v.SetDefault("port", 8080)
	v.SetDefault("name", "fonoteca")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Configuration{}, err
		}
	}

	cfg := Configuration{
		MediaRoot:          v.GetString("media_root"),
		DbUrl:              v.GetString("db_url"),
		MigrationsFolder:   v.GetString("migrations_folder"),
		FederationEnabled:  v.GetBool("federation_enabled"),
		ActorFetchDelay:    v.GetInt("actor_fetch_delay"),
		MusicCacheDuration: v.GetInt("music_cache_duration"),
		MaxCacheEntrySize:  v.GetInt64("max_cache_entry_size"),
		CollectionPageSize: v.GetInt("collection_page_size"),
		MusicNeedsApproval: v.GetBool("music_needs_approval"),
		AllowListEnabled:   v.GetBool("allow_list_enabled"),
		AllowListPublic:    v.GetBool("allow_list_public"),
		RsaKeySize:         v.GetInt("rsa_key_size"),
		Debug:              v.GetBool("debug"),
		Name:               v.GetString("name"),
		Https:              v.GetBool("https"),
		Host:               v.GetString("host"),
		Port:               uint16(v.GetUint32("port")),
	}

	if cfg.Host == "" {
		return cfg, fmt.Errorf("missing required configuration key: host")
	}

	scheme := "https"
	if !cfg.Https {
		scheme = "http"
	}
	u, err := url.Parse(scheme + "://" + cfg.Host)
	if err != nil {
		return cfg, fmt.Errorf("invalid host %q: %w", cfg.Host, err)
	}
	cfg.Url = u

	return cfg, nil
}
