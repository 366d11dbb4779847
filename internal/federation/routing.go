package federation

import (
	"context"
	"reflect"
	"strings"

	"github.com/perlatus/fonoteca/internal/domain"
)

// Match is a partial document matcher. Keys may be dotted to reach into
// nested objects, so {"type": "Undo", "object.type": "Follow"} matches an
// Undo whose inlined object is a Follow.
type Match map[string]any

func (m Match) Matches(payload map[string]any) bool {
	for key, want := range m {
		if !reflect.DeepEqual(dig(payload, key), want) {
			return false
		}
	}
	return true
}

func dig(payload map[string]any, dotted string) any {
	current := any(payload)
	for _, part := range strings.Split(dotted, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = node[part]
	}
	return current
}

// InboxContext carries everything an inbox handler may need about one
// received activity.
type InboxContext struct {
	// Payload is the compact payload, after moderation policies ran.
	Payload map[string]any
	// Expanded is the JSON-LD expanded form of Payload.
	Expanded map[string]any
	// Actor is the authenticated sender.
	Actor *domain.Actor
	// Activity is the persisted activity row.
	Activity *domain.Activity
	// InboxItems are the local recipient bindings created for the activity.
	InboxItems []domain.InboxItem
}

type InboxHandler func(ctx context.Context, ictx *InboxContext) error

type inboxRoute struct {
	match   Match
	handler InboxHandler
}

// InboxRouter dispatches received activities to the first handler whose
// match accepts the payload. Registration order decides precedence.
type InboxRouter struct {
	routes []inboxRoute
}

func (r *InboxRouter) Connect(m Match, h InboxHandler) {
	r.routes = append(r.routes, inboxRoute{match: m, handler: h})
}

func (r *InboxRouter) Dispatch(ctx context.Context, ictx *InboxContext) error {
	for _, route := range r.routes {
		if route.match.Matches(ictx.Payload) {
			return route.handler(ctx, ictx)
		}
	}
	return ErrUnhandled
}

// OutboxData is the typed context a local event hands to outbox handlers.
// Only the fields relevant to the event are set.
type OutboxData struct {
	// Actor is the local actor the event happened on behalf of.
	Actor *domain.Actor
	// Follow and FollowActor describe a library follow and its follower.
	Follow      *domain.LibraryFollow
	FollowActor *domain.Actor
	// Library and LibraryOwner describe the library an event concerns.
	Library      *domain.Library
	LibraryOwner *domain.Actor
	Uploads      []domain.Upload
	Tracks       map[int64]*domain.Track
}

// Message is one activity an outbox handler wants sent.
type Message struct {
	Payload map[string]any
	// Actor signs and owns the activity.
	Actor *domain.Actor
	To    []Recipient
}

// Recipient is either a concrete actor, the special public collection, or
// the approved followers of a library.
type Recipient struct {
	Actor            *domain.Actor
	Public           bool
	LibraryFollowers *domain.Library
}

type OutboxHandler func(ctx context.Context, data OutboxData) ([]Message, error)

type outboxRoute struct {
	match   Match
	handler OutboxHandler
}

// OutboxRouter maps event descriptors to handlers, with the same first match
// semantics as the inbox side.
type OutboxRouter struct {
	routes []outboxRoute
}

func (r *OutboxRouter) Connect(m Match, h OutboxHandler) {
	r.routes = append(r.routes, outboxRoute{match: m, handler: h})
}

func (r *OutboxRouter) Route(routing map[string]any) (OutboxHandler, bool) {
	for _, route := range r.routes {
		if route.match.Matches(routing) {
			return route.handler, true
		}
	}
	return nil, false
}
