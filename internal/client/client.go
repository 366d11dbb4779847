// Package client is the signed HTTP client used for all federation traffic:
// dereferencing remote objects, delivering activities, and pulling cached
// audio.
package client

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/signing"
	"github.com/perlatus/fonoteca/internal/utils"
)

const userAgent = "fonoteca"

// StatusError is returned for any response with a 4xx or 5xx status, so
// callers can decide whether a failure is worth retrying.
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Status, e.Body)
}

// HttpClient signs outgoing requests with the instance service actor's key by
// default. Deliveries on behalf of a specific local actor go through
// DeliverAs with that actor's own key.
type HttpClient struct {
	client          *http.Client
	key             crypto.PrivateKey
	pubKeyId        *url.URL
	getSigner       httpsig.Signer
	getSignerMutex  sync.Mutex
	postSigner      httpsig.Signer
	postSignerMutex sync.Mutex
}

func New(client *http.Client, key crypto.PrivateKey, keyId *url.URL) (*HttpClient, error) {
	getSigner, err := signing.NewGetSigner()
	if err != nil {
		return nil, err
	}

	postSigner, err := signing.NewPostSigner()
	if err != nil {
		return nil, err
	}

	return &HttpClient{
		client:     client,
		key:        key,
		pubKeyId:   keyId,
		getSigner:  getSigner,
		postSigner: postSigner,
	}, nil
}

// Get dereferences iri and decodes the response as a JSON object. A server
// answering with an HTML page is given one more chance: the page is scanned
// for an alternate link advertising the ActivityPub document.
func (c *HttpClient) Get(ctx context.Context, iri *url.URL) (map[string]any, error) {
	return c.get(ctx, iri, true)
}

func (c *HttpClient) get(ctx context.Context, iri *url.URL, followAlternate bool) (map[string]any, error) {
	res, err := c.Dereference(ctx, iri)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if followAlternate && strings.Contains(res.Header.Get("Content-Type"), "html") {
		body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		alternate := findAlternate(body)
		if alternate == "" {
			return nil, fmt.Errorf("%s answered with HTML and no alternate link", iri)
		}
		alt, err := iri.Parse(alternate)
		if err != nil {
			return nil, fmt.Errorf("unusable alternate link %q: %w", alternate, err)
		}
		log.Debug().Str("iri", iri.String()).Str("alternate", alt.String()).Msg("following alternate link")
		return c.get(ctx, alt, false)
	}

	var doc map[string]any
	if err = json.NewDecoder(res.Body).Decode(&doc); err != nil {
		log.Error().Err(err).Str("iri", iri.String()).Msg("response body unmarshaling error")
		return nil, err
	}
	return doc, nil
}

var linkTagPattern = regexp.MustCompile(`(?is)<link\s[^>]*>`)

// findAlternate pulls the href of a
// <link rel="alternate" type="application/activity+json"> tag out of an HTML
// page, attribute order notwithstanding.
func findAlternate(body []byte) string {
	for _, tag := range linkTagPattern.FindAll(body, -1) {
		s := string(tag)
		if !containsAttr(s, "rel", "alternate") {
			continue
		}
		if !containsAttr(s, "type", "application/activity+json") &&
			!containsAttr(s, "type", "application/ld+json") {
			continue
		}
		if href := attrValue(s, "href"); href != "" {
			return href
		}
	}
	return ""
}

func containsAttr(tag, name, want string) bool {
	return strings.Contains(strings.ToLower(attrValue(tag, name)), want)
}

func attrValue(tag, name string) string {
	pattern := regexp.MustCompile(`(?i)\b` + name + `\s*=\s*["']([^"']*)["']`)
	m := pattern.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	return m[1]
}

// Dereference performs a signed GET against iri. The caller owns the response
// body. Also used to pull raw audio bytes into the local cache.
func (c *HttpClient) Dereference(ctx context.Context, iri *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	c.getSignerMutex.Lock()
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	err = c.getSigner.SignRequest(c.key, c.pubKeyId.String(), req, nil)
	c.getSignerMutex.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("error while signing request")
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		return nil, &StatusError{StatusCode: res.StatusCode, Status: res.Status, Body: body}
	}

	return res, nil
}

// Deliver posts obj to the inbox at to, signed with the instance key.
func (c *HttpClient) Deliver(ctx context.Context, obj map[string]any, to *url.URL) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	c.postSignerMutex.Lock()
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	err = c.postSigner.SignRequest(c.key, c.pubKeyId.String(), req, body)
	c.postSignerMutex.Unlock()
	if err != nil {
		return err
	}

	return c.do(req)
}

// DeliverAs posts obj to the inbox at to, signed with the sender's own key.
// Senders without a private key fall back to the instance key.
func (c *HttpClient) DeliverAs(ctx context.Context, obj map[string]any, to *url.URL, senderKeyId *url.URL, senderKeyPem string) error {
	if senderKeyPem == "" {
		return c.Deliver(ctx, obj, to)
	}

	key, err := utils.ParsePrivateKeyPem(senderKeyPem)
	if err != nil {
		log.Error().Err(err).Str("keyId", senderKeyId.String()).Msg("sender private key unusable")
		return err
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	signer, err := signing.NewPostSigner()
	if err != nil {
		return err
	}
	if err = signer.SignRequest(key, senderKeyId.String(), req, body); err != nil {
		return err
	}

	return c.do(req)
}

func (c *HttpClient) do(req *http.Request) error {
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		log.Error().Int("code", res.StatusCode).Bytes("response body", body).Msg("delivery error")
		return &StatusError{StatusCode: res.StatusCode, Status: res.Status, Body: body}
	}
	return nil
}

// webfingerResource is the subset of a webfinger response we care about.
type webfingerResource struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Webfinger resolves user@host to the fid of its ActivityPub actor. The
// lookup itself is unsigned, per convention.
func (c *HttpClient) Webfinger(ctx context.Context, username, domain string) (*url.URL, error) {
	lookup := url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": []string{"acct:" + username + "@" + domain}}.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		return nil, &StatusError{StatusCode: res.StatusCode, Status: res.Status, Body: body}
	}

	var resource webfingerResource
	if err = json.NewDecoder(res.Body).Decode(&resource); err != nil {
		return nil, err
	}

	for _, link := range resource.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" && link.Href != "" {
			return url.Parse(link.Href)
		}
	}
	return nil, fmt.Errorf("no actor link in webfinger response for %s@%s", username, domain)
}
