// Package mrf implements a message rewrite facility: ordered, named policies
// that inspect incoming or outgoing federation payloads and can rewrite or
// discard them before the rest of the system sees them.
package mrf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDiscard tells the pipeline to drop the payload entirely.
	ErrDiscard = errors.New("mrf: discard payload")
	// ErrSkip tells the pipeline this policy has nothing to say about the
	// payload.
	ErrSkip = errors.New("mrf: skip policy")
)

// A Policy inspects payload and returns a replacement payload, or nil when it
// leaves the payload untouched. Returning ErrDiscard drops the message,
// ErrSkip moves on to the next policy, and any other error is logged and
// treated as a skip so one broken policy cannot take the inbox down.
type Policy func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry holds named policies and applies them in registration order.
type Registry struct {
	name string

	mu       sync.RWMutex
	order    []string
	policies map[string]Policy
}

func NewRegistry(name string) *Registry {
	return &Registry{name: name, policies: map[string]Policy{}}
}

// Register adds a policy under name. Registering the same name twice replaces
// the policy but keeps its original position.
func (r *Registry) Register(name string, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[name]; !exists {
		r.order = append(r.order, name)
	}
	r.policies[name] = policy
}

func (r *Registry) snapshot() (names []string, policies map[string]Policy) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names = make([]string, len(r.order))
	copy(names, r.order)
	policies = make(map[string]Policy, len(r.policies))
	for k, v := range r.policies {
		policies[k] = v
	}
	return
}

// Apply runs policies over payload in registration order. Callers may name
// an explicit subset to re-apply; no names means every registered policy.
// It returns the possibly rewritten payload and whether any policy changed
// it. A nil payload with ok == false means some policy discarded the message.
func (r *Registry) Apply(ctx context.Context, payload map[string]any, subset ...string) (result map[string]any, updated bool, ok bool) {
	names, policies := r.snapshot()
	if len(subset) > 0 {
		names = selectNames(names, subset)
	}

	for _, name := range names {
		newPayload, err := applyOne(ctx, policies[name], payload)
		switch {
		case errors.Is(err, ErrSkip):
			continue
		case errors.Is(err, ErrDiscard):
			log.Info().
				Str("pipeline", r.name).
				Str("policy", name).
				Msg("payload discarded")
			return nil, false, false
		case err != nil:
			log.Error().Err(err).
				Str("pipeline", r.name).
				Str("policy", name).
				Msg("policy failed, skipping")
			continue
		}

		if newPayload != nil {
			payload = newPayload
			updated = true
		}
	}

	return payload, updated, true
}

// selectNames filters the registration order down to the wanted subset, so
// a subset run keeps the pipeline's ordering rather than the caller's.
func selectNames(order, subset []string) []string {
	wanted := make(map[string]bool, len(subset))
	for _, name := range subset {
		wanted[name] = true
	}
	var names []string
	for _, name := range order {
		if wanted[name] {
			names = append(names, name)
		}
	}
	return names
}

// applyOne shields the pipeline from panicking policies.
func applyOne(ctx context.Context, policy Policy, payload map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy panicked: %v", r)
		}
	}()
	return policy(ctx, payload)
}
