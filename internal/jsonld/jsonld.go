// Package jsonld wraps JSON-LD expansion and compaction with a fixed set of
// embedded context documents, so processing never depends on remote context
// servers being up.
package jsonld

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/piprate/json-gold/ld"
)

const (
	ContextAS       = "https://www.w3.org/ns/activitystreams"
	ContextSecurity = "https://w3id.org/security/v1"
	ContextFonoteca = "https://fonoteca.dev/ns"

	NamespaceAS  = "https://www.w3.org/ns/activitystreams#"
	NamespaceSec = "https://w3id.org/security#"
	NamespaceFN  = "https://fonoteca.dev/ns#"
)

// Expanded property IRIs used across federation.
const (
	PropActor             = NamespaceAS + "actor"
	PropObject            = NamespaceAS + "object"
	PropTarget            = NamespaceAS + "target"
	PropTo                = NamespaceAS + "to"
	PropCc                = NamespaceAS + "cc"
	PropName              = NamespaceAS + "name"
	PropSummary           = NamespaceAS + "summary"
	PropMediaType         = NamespaceAS + "mediaType"
	PropUrl               = NamespaceAS + "url"
	PropHref              = NamespaceAS + "href"
	PropPublished         = NamespaceAS + "published"
	PropPreferredUsername = NamespaceAS + "preferredUsername"
	PropInbox             = "http://www.w3.org/ns/ldp#inbox"
	PropOutbox            = NamespaceAS + "outbox"
	PropFollowers         = NamespaceAS + "followers"
	PropFollowing         = NamespaceAS + "following"
	PropEndpoints         = NamespaceAS + "endpoints"
	PropSharedInbox       = NamespaceAS + "sharedInbox"
	PropPublicKey         = NamespaceSec + "publicKey"
	PropPublicKeyPem      = NamespaceSec + "publicKeyPem"
	PropOwner             = NamespaceSec + "owner"
	PropLibrary           = NamespaceFN + "library"
	PropBitrate           = NamespaceFN + "bitrate"
	PropSize              = NamespaceFN + "size"
	PropDuration          = NamespaceAS + "duration"
)

var (
	//go:embed contexts/activitystreams.json
	rawContextAS []byte
	//go:embed contexts/security.json
	rawContextSecurity []byte
	//go:embed contexts/fonoteca.json
	rawContextFonoteca []byte
)

// DefaultContexts is injected into payloads that arrive without an @context,
// and into every locally built document.
var DefaultContexts = []any{ContextAS, ContextSecurity, ContextFonoteca}

var ErrEmptyDocument = errors.New("document expanded to nothing")

// fixedLoader serves only the embedded context documents. Context URLs we do
// not know about resolve to an empty context instead of a network fetch, so
// foreign vocabulary degrades to absolute IRIs rather than failing the whole
// payload.
type fixedLoader struct {
	docs map[string]*ld.RemoteDocument
}

func newFixedLoader() (*fixedLoader, error) {
	loader := &fixedLoader{docs: map[string]*ld.RemoteDocument{}}

	for url, raw := range map[string][]byte{
		ContextAS:       rawContextAS,
		ContextSecurity: rawContextSecurity,
		ContextFonoteca: rawContextFonoteca,
	} {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("embedded context %s: %w", url, err)
		}
		loader.docs[url] = &ld.RemoteDocument{DocumentURL: url, Document: doc}
	}

	return loader, nil
}

func (l *fixedLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	if doc, ok := l.docs[u]; ok {
		return doc, nil
	}
	return &ld.RemoteDocument{
		DocumentURL: u,
		Document:    map[string]any{"@context": map[string]any{}},
	}, nil
}

// Processor expands and compacts ActivityPub payloads against the embedded
// contexts. It is safe for concurrent use.
type Processor struct {
	proc   *ld.JsonLdProcessor
	loader *fixedLoader
}

func NewProcessor() (*Processor, error) {
	loader, err := newFixedLoader()
	if err != nil {
		return nil, err
	}
	return &Processor{proc: ld.NewJsonLdProcessor(), loader: loader}, nil
}

func (p *Processor) options() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = p.loader
	opts.ProcessingMode = ld.JsonLd_1_1
	return opts
}

// Expand returns the first node of the expanded form of payload. Payloads
// without an @context get DefaultContexts injected first.
func (p *Processor) Expand(payload map[string]any) (map[string]any, error) {
	if _, ok := payload["@context"]; !ok {
		withContext := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			withContext[k] = v
		}
		withContext["@context"] = DefaultContexts
		payload = withContext
	}

	nodes, err := p.proc.Expand(payload, p.options())
	if err != nil {
		return nil, fmt.Errorf("jsonld expand: %w", err)
	}
	if len(nodes) == 0 {
		return nil, ErrEmptyDocument
	}

	node, ok := nodes[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jsonld expand: unexpected node of type %T", nodes[0])
	}
	return node, nil
}

// Compact renders an expanded document back into compact form under the
// default contexts, ready for the wire.
func (p *Processor) Compact(expanded map[string]any) (map[string]any, error) {
	compacted, err := p.proc.Compact(expanded, map[string]any{"@context": DefaultContexts}, p.options())
	if err != nil {
		return nil, fmt.Errorf("jsonld compact: %w", err)
	}
	compacted["@context"] = DefaultContexts
	return compacted, nil
}
