// Package resolver is the network-schema resolver (§4.7): given an nsid it
// is not yet tracking, the host asks a directory for the nsid's
// authoritative identifier, resolves that identifier to its PDS endpoint,
// fetches the schema record, and hands it to the registry's network
// upsert path.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"lexhost/internal/lexicon"
)

// lexiconTXTPrefix mirrors atproto handle resolution's "_atproto." DNS TXT
// convention, adapted to NSIDs: the authority for "com.example.foo" is
// published at "_lexicon.com.example.foo".
const lexiconTXTPrefix = "_lexicon."

// Resolver resolves NSIDs to schema documents over the network.
type Resolver struct {
	directory  indigoIdentity.Directory
	httpClient *http.Client
	lookupTXT  func(name string) ([]string, error)
}

// New builds a resolver backed by Indigo's identity directory for
// DID-to-PDS resolution and the standard resolver for the NSID authority TXT
// lookup, which has no
// equivalent in Indigo's identity package since it's specific to this
// schema-discovery mechanism, not core atproto identity.
func New(plcURL string, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{
		directory: &indigoIdentity.BaseDirectory{
			PLCURL:     plcURL,
			HTTPClient: *httpClient,
		},
		httpClient: httpClient,
		lookupTXT:  net.LookupTXT,
	}
}

// ResolvedSchema is what the caller hands to the registry's network-upsert
// path (§4.1, §4.7).
type ResolvedSchema struct {
	AuthorityDID string
	Raw          json.RawMessage
}

// Resolve implements the four steps of §4.7 for a single nsid.
func (r *Resolver) Resolve(ctx context.Context, nsid string) (ResolvedSchema, error) {
	authorityDID, err := r.resolveAuthority(ctx, nsid)
	if err != nil {
		return ResolvedSchema{}, fmt.Errorf("resolve nsid authority for %s: %w", nsid, err)
	}

	pdsEndpoint, err := r.resolvePDSEndpoint(ctx, authorityDID)
	if err != nil {
		return ResolvedSchema{}, fmt.Errorf("resolve pds endpoint for %s: %w", authorityDID, err)
	}

	raw, err := r.fetchSchemaRecord(ctx, pdsEndpoint, authorityDID, nsid)
	if err != nil {
		return ResolvedSchema{}, fmt.Errorf("fetch schema record %s from %s: %w", nsid, pdsEndpoint, err)
	}

	return ResolvedSchema{AuthorityDID: authorityDID, Raw: raw}, nil
}

// resolveAuthority performs step (1): a DNS TXT lookup on the NSID
// namespace, expecting a single "did=did:plc:..." record.
func (r *Resolver) resolveAuthority(_ context.Context, nsid string) (string, error) {
	records, err := r.lookupTXT(lexiconTXTPrefix + nsid)
	if err != nil {
		return "", fmt.Errorf("lookup TXT %s%s: %w", lexiconTXTPrefix, nsid, err)
	}
	for _, rec := range records {
		if did, ok := strings.CutPrefix(rec, "did="); ok {
			return did, nil
		}
	}
	return "", fmt.Errorf("no did= TXT record found for %s", nsid)
}

// resolvePDSEndpoint performs step (2), delegating to Indigo's directory.
func (r *Resolver) resolvePDSEndpoint(ctx context.Context, didStr string) (string, error) {
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return "", fmt.Errorf("invalid did %s: %w", didStr, err)
	}

	ident, err := r.directory.LookupDID(ctx, did)
	if err != nil {
		return "", fmt.Errorf("directory lookup %s: %w", didStr, err)
	}

	endpoint := ident.PDSEndpoint()
	if endpoint == "" {
		return "", fmt.Errorf("identity %s has no pds service endpoint", didStr)
	}
	return endpoint, nil
}

// fetchSchemaRecord performs step (3): an unauthenticated
// com.atproto.repo.getRecord call against the authority's own PDS, treating
// the nsid itself as the record key in the schema collection.
func (r *Resolver) fetchSchemaRecord(ctx context.Context, pdsEndpoint, did, nsid string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", lexicon.SchemaCollection)
	q.Set("rkey", nsid)

	reqURL := strings.TrimRight(pdsEndpoint, "/") + "/xrpc/com.atproto.repo.getRecord?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getRecord returned %d", resp.StatusCode)
	}

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode getRecord response: %w", err)
	}
	return body.Value, nil
}
