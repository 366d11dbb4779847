package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/mrf"
)

// Outbox turns local events into persisted activities, inbox items for local
// recipients, and delivery rows for remote ones. Actual sending happens in
// the delivery worker.
type Outbox struct {
	db     db.DB
	cfg    *config.Configuration
	router *OutboxRouter
	mrf    *mrf.Registry
}

func NewOutbox(database db.DB, cfg *config.Configuration, mrfRegistry *mrf.Registry) *Outbox {
	o := &Outbox{
		db:     database,
		cfg:    cfg,
		router: &OutboxRouter{},
		mrf:    mrfRegistry,
	}
	o.connectRoutes()
	return o
}

func (o *Outbox) Router() *OutboxRouter {
	return o.router
}

// Dispatch routes an event descriptor to its handler and persists every
// message the handler produced.
func (o *Outbox) Dispatch(ctx context.Context, routing map[string]any, data OutboxData) error {
	handler, ok := o.router.Route(routing)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnhandled, routing)
	}

	messages, err := handler(ctx, data)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := o.persist(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) persist(ctx context.Context, message Message) error {
	local, remote, addresses, err := o.resolveRecipients(ctx, message.To)
	if err != nil {
		return err
	}

	message.Payload["to"] = addresses
	if _, ok := message.Payload["@context"]; !ok {
		message.Payload["@context"] = jsonld.DefaultContexts
	}

	payload, updated, ok := o.mrf.Apply(ctx, message.Payload)
	if !ok {
		log.Info().Msg("outgoing activity discarded by policy")
		return nil
	}
	if updated {
		message.Payload = payload
	}

	raw, err := json.Marshal(message.Payload)
	if err != nil {
		return err
	}

	fid, err := parseIRI(stringOr(message.Payload["id"]))
	if err != nil {
		return fmt.Errorf("outbox message without id: %w", err)
	}

	activity, err := o.db.CreateActivity(ctx, domain.Activity{
		Uuid:    uuid.New(),
		Fid:     fid,
		Type:    stringOr(message.Payload["type"]),
		ActorID: message.Actor.ID,
		Payload: raw,
	})
	if err != nil {
		return err
	}

	if len(local) > 0 {
		recipients := make([]db.InboxRecipient, 0, len(local))
		for _, actor := range local {
			recipients = append(recipients, db.InboxRecipient{ActorID: actor.ID, Type: "to"})
		}
		if err = o.db.CreateInboxItems(ctx, activity.ID, recipients); err != nil {
			return err
		}
	}

	if !o.cfg.FederationEnabled {
		log.Debug().Str("fid", fid.String()).Msg("federation disabled, skipping remote delivery")
		return nil
	}

	inboxes := groupInboxes(remote)
	if len(inboxes) == 0 {
		return nil
	}
	return o.db.CreateDeliveries(ctx, activity.ID, inboxes, time.Now())
}

// resolveRecipients expands the recipient list into local actors, remote
// actors, and the addressing ids that go on the payload itself.
func (o *Outbox) resolveRecipients(ctx context.Context, to []Recipient) (local, remote []domain.Actor, addresses []string, err error) {
	seen := map[string]bool{}

	add := func(actor domain.Actor) {
		key := actor.Fid.String()
		if seen[key] {
			return
		}
		seen[key] = true
		addresses = append(addresses, key)
		if actor.IsLocal(o.cfg.Host) {
			local = append(local, actor)
		} else {
			remote = append(remote, actor)
		}
	}

	allowed, err := o.allowedDomains(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, recipient := range to {
		switch {
		case recipient.Public:
			if !seen[domain.Public.String()] {
				seen[domain.Public.String()] = true
				addresses = append(addresses, domain.Public.String())
			}
		case recipient.Actor != nil:
			add(*recipient.Actor)
		case recipient.LibraryFollowers != nil:
			followers, err := o.db.ApprovedFollowers(ctx, recipient.LibraryFollowers.ID)
			if err != nil {
				return nil, nil, nil, err
			}
			for _, follower := range followers {
				add(follower)
			}
		}
	}

	if allowed != nil {
		filtered := remote[:0]
		for _, actor := range remote {
			if allowed[actor.Domain] {
				filtered = append(filtered, actor)
			} else {
				log.Info().Str("fid", actor.Fid.String()).Msg("recipient dropped by allow list")
			}
		}
		remote = filtered
	}

	return local, remote, addresses, nil
}

func (o *Outbox) allowedDomains(ctx context.Context) (map[string]bool, error) {
	if !o.cfg.AllowListEnabled {
		return nil, nil
	}
	names, err := o.db.AllowedDomains(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	return allowed, nil
}

// groupInboxes collapses recipients on the same domain into that domain's
// shared inbox, but only when every one of them advertises the same shared
// inbox. Anything else falls back to individual inboxes, so the result never
// depends on iteration order.
func groupInboxes(remote []domain.Actor) []string {
	type domainGroup struct {
		actors []domain.Actor
		shared *url.URL
		mixed  bool
	}

	var order []string
	groups := map[string]*domainGroup{}
	for _, actor := range remote {
		group, ok := groups[actor.Domain]
		if !ok {
			group = &domainGroup{shared: actor.SharedInboxUrl}
			groups[actor.Domain] = group
			order = append(order, actor.Domain)
		}
		group.actors = append(group.actors, actor)
		if actor.SharedInboxUrl == nil || group.shared == nil ||
			actor.SharedInboxUrl.String() != group.shared.String() {
			group.mixed = true
		}
	}

	var inboxes []string
	seen := map[string]bool{}
	push := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			inboxes = append(inboxes, u)
		}
	}

	for _, name := range order {
		group := groups[name]
		if !group.mixed && group.shared != nil {
			push(group.shared.String())
			continue
		}
		for _, actor := range group.actors {
			if actor.InboxUrl != nil {
				push(actor.InboxUrl.String())
			}
		}
	}
	return inboxes
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

// NewActivityFid mints a local id for an outgoing activity.
func NewActivityFid(cfg *config.Configuration) *url.URL {
	return cfg.Url.JoinPath("federation", "activities", uuid.NewString())
}
