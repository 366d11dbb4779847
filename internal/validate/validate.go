package validate

import (
	"errors"
	"fmt"
	"strings"
)

const MaxUsernameLen = 64

func Username(username string) error {
	if l := len(username); l == 0 {
		return errors.New("empty username")
	} else if l > MaxUsernameLen {
		return fmt.Errorf("username too long; max %d characters", MaxUsernameLen)
	}
	if strings.ContainsAny(username, "@/ ") {
		return fmt.Errorf("invalid character in username %q", username)
	}
	return nil
}

// AcctResource parses a webfinger resource of the form acct:user@domain.
// A bare user@domain is accepted too.
func AcctResource(resource string) (username string, domain string, err error) {
	resource = strings.TrimPrefix(resource, "acct:")

	username, domain, found := strings.Cut(resource, "@")
	if !found {
		return "", "", fmt.Errorf("resource %q is not of the form user@domain", resource)
	}

	if err := Username(username); err != nil {
		return "", "", err
	}

	if domain == "" || strings.ContainsAny(domain, "@/ ") {
		return "", "", fmt.Errorf("invalid domain %q", domain)
	}

	return username, domain, nil
}
