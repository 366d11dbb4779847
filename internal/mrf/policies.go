package mrf

import (
	"context"
	"fmt"
	"net/url"
)

// DomainChecker answers whether federation with a domain is currently
// permitted.
type DomainChecker func(ctx context.Context, domain string) (bool, error)

// AllowListPolicy discards any payload whose actor, id or object id lives on
// a domain outside the allow list. When enabled returns false the policy
// skips, so the list can be toggled at runtime without re-registering.
func AllowListPolicy(enabled func() bool, allowed DomainChecker) Policy {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		if !enabled() {
			return nil, ErrSkip
		}

		for _, domain := range relevantDomains(payload) {
			ok, err := allowed(ctx, domain)
			if err != nil {
				return nil, fmt.Errorf("allow list lookup for %q: %w", domain, err)
			}
			if !ok {
				return nil, fmt.Errorf("domain %q not allowed: %w", domain, ErrDiscard)
			}
		}

		return nil, nil
	}
}

// relevantDomains pulls the hosts a payload claims to originate from: the
// actor, the payload id, and the object id when the object is inlined.
func relevantDomains(payload map[string]any) []string {
	ids := []any{payload["actor"], payload["id"]}
	if object, ok := payload["object"].(map[string]any); ok {
		ids = append(ids, object["id"])
	}

	seen := map[string]bool{}
	var domains []string
	for _, id := range ids {
		s, ok := id.(string)
		if !ok || s == "" {
			continue
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			continue
		}
		host := u.Hostname()
		if !seen[host] {
			seen[host] = true
			domains = append(domains, host)
		}
	}
	return domains
}
