// Package state bundles the long-lived collaborators of the application so
// handlers and services receive one dependency instead of seven.
package state

import (
	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/musiccache"
	"github.com/perlatus/fonoteca/internal/queue"
)

type State struct {
	DB        db.DB
	Config    *config.Configuration
	Client    *client.HttpClient
	Processor *jsonld.Processor
	Registry  *federation.Registry
	Inbox     *federation.Inbox
	Outbox    *federation.Outbox
	Queue     *queue.Queue
	Cache     *musiccache.Cache
}
