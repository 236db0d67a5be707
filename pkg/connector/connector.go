// Package connector abstracts the federated dataspace connector (C1): DCAT
// catalog retrieval, dataspace-protocol contract negotiation, and a
// checksum-keyed cache of negotiated access tokens with delete/force-purge
// eviction. It never interprets policy documents, only forwards them to the
// connector's management API.
//
// Negotiation and caching here mirror the teacher's
// pkg/service/claimlookup/cachinglookup.go "check cache, fetch on miss,
// cache the result" decorator shape, generalized from a single-claim cache
// to the (BPN, address, checksum, checksum) keyed connection cache this
// domain needs.
package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/semaphore"

	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/metrics"
	"github.com/industrycore/dtr-discovery-engine/pkg/persistence"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("connector")

// Dataset is one entry of a DCAT catalog, kept as raw JSON. The catalog's
// dataset list itself is normalized from singleton-or-list by
// decodeDatasets; the `odrl:hasPolicy` and `dct:type` fields inside Raw are
// interpreted by pkg/dtrcache.
type Dataset struct {
	Raw json.RawMessage
}

// Catalog is the parsed response of a connector's DCAT catalog endpoint.
type Catalog struct {
	Datasets []Dataset
}

// FilterExpression is a single dataspace-protocol query predicate, e.g.
// {key: "https://w3id.org/edc/v0.0.1/ns/id", operator: "=", value: assetID}.
type FilterExpression struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// token is a negotiated access token with its dataplane URL and expiry.
type token struct {
	DataplaneURL string
	AccessToken  string
	Expiry       time.Time
}

// connectionKey identifies a cached negotiation outcome.
type connectionKey struct {
	BPN             string
	Address         string
	QueryChecksum   string
	PolicyChecksum  string
}

func (k connectionKey) String() string {
	return k.BPN + "|" + k.Address + "|" + k.QueryChecksum + "|" + k.PolicyChecksum
}

// Negotiator performs the actual dataspace-protocol handshake against a
// counter-party connector. Production wiring implements this with
// ManagementAPI against an EDC management API; it is kept as an interface so the cache/retry
// logic in this package is independently testable.
type Negotiator interface {
	Negotiate(ctx context.Context, bpn, address string, policies []types.Policy, filter FilterExpression) (dataplaneURL, accessToken string, err error)
	NegotiateByAssetID(ctx context.Context, bpn, address, assetID string, policies []types.Policy) (dataplaneURL, accessToken string, err error)
	GetCatalog(ctx context.Context, connectorURL string, filter FilterExpression, timeout time.Duration) (Catalog, error)
}

// Client is the C1 Connector Client.
type Client struct {
	negotiator Negotiator
	persist    *persistence.Store

	mu          sync.Mutex
	cache       map[string]token
	inflight    map[string]*sync.WaitGroup
	inflightRes map[string]token
	inflightErr map[string]error

	breaker *gobreaker.CircuitBreaker

	catalogSemaphore *semaphore.Weighted
}

// Option configures a Client.
type Option func(*Client)

// WithPersistence wires an edr_connections row store into delete/force-purge.
func WithPersistence(store *persistence.Store) Option {
	return func(c *Client) { c.persist = store }
}

// New constructs a connector client. maxParallelCatalogFetches bounds the
// concurrency of GetCatalogsParallel.
func New(negotiator Negotiator, maxParallelCatalogFetches int64, opts ...Option) *Client {
	if maxParallelCatalogFetches <= 0 {
		maxParallelCatalogFetches = 10
	}
	c := &Client{
		negotiator:       negotiator,
		cache:            map[string]token{},
		inflight:         map[string]*sync.WaitGroup{},
		inflightRes:      map[string]token{},
		inflightErr:      map[string]error{},
		catalogSemaphore: semaphore.NewWeighted(maxParallelCatalogFetches),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "connector-negotiation",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetCatalog fetches the DCAT catalog of a single connector.
func (c *Client) GetCatalog(ctx context.Context, connectorURL string, filter FilterExpression, timeout time.Duration) (Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	catalog, err := c.negotiator.GetCatalog(ctx, connectorURL, filter, timeout)
	if err != nil {
		metrics.CatalogFetchErrors.Inc()
		return Catalog{}, fmt.Errorf("fetching catalog from %s: %w", connectorURL, err)
	}
	return catalog, nil
}

// GetCatalogsParallel fans out GetCatalog across connectorURLs with bounded
// concurrency, collecting a result (catalog or error) per URL.
func (c *Client) GetCatalogsParallel(ctx context.Context, bpn string, connectorURLs []string, filter FilterExpression, timeout time.Duration) map[string]CatalogOrError {
	results := make(map[string]CatalogOrError, len(connectorURLs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, connectorURL := range connectorURLs {
		connectorURL := connectorURL
		if err := c.catalogSemaphore.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results[connectorURL] = CatalogOrError{Err: err}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.catalogSemaphore.Release(1)
			catalog, err := c.GetCatalog(ctx, connectorURL, filter, timeout)
			mu.Lock()
			results[connectorURL] = CatalogOrError{Catalog: catalog, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// CatalogOrError pairs a per-connector catalog fetch outcome for fanout.
type CatalogOrError struct {
	Catalog Catalog
	Err     error
}

// checksum computes the SHA3-256 hex digest over the canonical string form
// of v, mirroring the original's hashlib.sha3_256(str(v)).hexdigest().
func checksum(v any) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%v", v)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// PolicyChecksum is exported so the discovery engine can compute the same
// checksum independently when calling DeleteConnection.
func PolicyChecksum(policies []types.Policy) string { return checksum(policies) }

// FilterChecksum is exported for the same reason.
func FilterChecksum(filter FilterExpression) string { return checksum(filter) }

// Negotiate performs dataspace-protocol negotiation for a filter-based
// query, consulting the connection cache first. Concurrent callers for the
// same cache key coalesce onto a single negotiation.
func (c *Client) Negotiate(ctx context.Context, bpn, address string, policies []types.Policy, filter FilterExpression) (string, string, error) {
	key := connectionKey{
		BPN:            bpn,
		Address:        address,
		QueryChecksum:  FilterChecksum(filter),
		PolicyChecksum: PolicyChecksum(policies),
	}
	return c.negotiateCoalesced(ctx, key, func(ctx context.Context) (string, string, error) {
		return c.negotiator.Negotiate(ctx, bpn, address, policies, filter)
	})
}

// NegotiateByAssetID is the asset-id-keyed negotiation variant used for
// per-submodel-asset negotiation.
func (c *Client) NegotiateByAssetID(ctx context.Context, bpn, address, assetID string, policies []types.Policy) (string, string, error) {
	key := connectionKey{
		BPN:            bpn,
		Address:        address,
		QueryChecksum:  checksum(assetID),
		PolicyChecksum: PolicyChecksum(policies),
	}
	return c.negotiateCoalesced(ctx, key, func(ctx context.Context) (string, string, error) {
		return c.negotiator.NegotiateByAssetID(ctx, bpn, address, assetID, policies)
	})
}

func (c *Client) negotiateCoalesced(ctx context.Context, key connectionKey, do func(context.Context) (string, string, error)) (string, string, error) {
	keyStr := key.String()

	c.mu.Lock()
	if tok, ok := c.cache[keyStr]; ok && time.Now().Before(tok.Expiry) {
		c.mu.Unlock()
		metrics.NegotiationCacheHits.Inc()
		return tok.DataplaneURL, tok.AccessToken, nil
	}
	if wg, ok := c.inflight[keyStr]; ok {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		res, err := c.inflightRes[keyStr], c.inflightErr[keyStr]
		c.mu.Unlock()
		return res.DataplaneURL, res.AccessToken, err
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight[keyStr] = wg
	c.mu.Unlock()

	metrics.NegotiationCacheMisses.Inc()
	result, err := c.breaker.Execute(func() (any, error) {
		dataplaneURL, accessToken, err := do(ctx)
		if err != nil {
			return nil, err
		}
		return token{DataplaneURL: dataplaneURL, AccessToken: accessToken, Expiry: time.Now().Add(5 * time.Minute)}, nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, keyStr)

	if err != nil {
		c.inflightErr[keyStr] = err
		wg.Done()
		metrics.NegotiationFailures.Inc()
		return "", "", fmt.Errorf("negotiation failed: %w", err)
	}

	tok := result.(token)
	c.cache[keyStr] = tok
	c.inflightRes[keyStr] = tok
	delete(c.inflightErr, keyStr)
	wg.Done()
	return tok.DataplaneURL, tok.AccessToken, nil
}

// DeleteConnection evicts a single cached token. It returns true if an
// entry was removed.
func (c *Client) DeleteConnection(ctx context.Context, bpn, address, queryChecksum, policyChecksum string) bool {
	key := connectionKey{BPN: bpn, Address: address, QueryChecksum: queryChecksum, PolicyChecksum: policyChecksum}
	c.mu.Lock()
	_, existed := c.cache[key.String()]
	delete(c.cache, key.String())
	c.mu.Unlock()

	if c.persist != nil {
		_ = c.persist.DeleteByChecksum(ctx, bpn, queryChecksum, policyChecksum)
	}
	return existed
}

// ForcePurge implements the two-stage purge protocol: delete_connection by
// checksum; on a miss, scan the in-memory cache by asset id and remove
// matches; always attempt the persisted-row deletion; reload from the
// persisted store afterward if one is wired.
func (c *Client) ForcePurge(ctx context.Context, bpn, assetID, address string, policies []types.Policy) bool {
	filterChecksum := checksum(FilterExpression{Key: "https://w3id.org/edc/v0.0.1/ns/id", Operator: "=", Value: assetID})
	policyChecksum := PolicyChecksum(policies)

	deletedFromMemory := c.DeleteConnection(ctx, bpn, address, filterChecksum, policyChecksum)
	if !deletedFromMemory {
		deletedFromMemory = c.evictByAssetID(bpn, address, assetID)
	}

	var deletedFromDB bool
	if c.persist != nil {
		var err error
		deletedFromDB, err = c.persist.DeleteByAssetID(ctx, bpn, assetID)
		if err != nil {
			log.Warnf("force-purge: deleting persisted row for asset %s: %s", assetID, err)
		}
		if err := c.persist.Reload(ctx); err != nil {
			log.Warnf("force-purge: reloading persisted connections: %s", err)
		}
	}

	return deletedFromMemory || deletedFromDB
}

// evictByAssetID scans the in-memory cache for entries whose bpn, address,
// and asset-id-derived query checksum match, evicting them regardless of
// policy checksum. This is the direct equivalent of the original's
// reflective scan over its SDK's private token maps: here the cache is our
// own type, so it is one direct prefix match instead of a hasattr probe.
// The policy checksum is deliberately excluded from the match: a force
// purge by asset id does not know which policy set produced the cached
// entry, and matching on bpn+address+queryChecksum alone is how
// NegotiateByAssetID itself keys an entry save for the policy checksum.
func (c *Client) evictByAssetID(bpn, address, assetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := (connectionKey{BPN: bpn, Address: address, QueryChecksum: checksum(assetID)}).String()
	removed := false
	for k := range c.cache {
		if strings.HasPrefix(k, prefix) {
			delete(c.cache, k)
			removed = true
		}
	}
	return removed
}

// httpClient is the raw net/http client used for outbound connector calls,
// following the teacher's own pkg/client/client.go choice of plain net/http
// over a third-party HTTP wrapper.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// FetchJSON performs an authenticated GET against the connector dataplane
// and decodes a JSON body. Authorization carries the raw access token with
// no "Bearer " prefix, matching the dataspace protocol's EDR convention.
func FetchJSON(ctx context.Context, rawURL, accessToken string, out any) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", accessToken)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decoding response from %s: %w", rawURL, err)
		}
	}
	return resp, nil
}

// PostJSON performs an authenticated POST with a JSON body against the
// connector dataplane and decodes a JSON response.
func PostJSON(ctx context.Context, rawURL, accessToken string, body, out any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytesReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decoding response from %s: %w", rawURL, err)
		}
	}
	return resp, nil
}

// GetRaw performs an authenticated GET and returns the raw body bytes
// without assuming a JSON shape, used for submodel payload fetches where
// the body is forwarded to the caller verbatim.
func GetRaw(ctx context.Context, rawURL, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", accessToken)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := readAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// ShellLookupURL builds the dataplane's shellsByAssetLink endpoint URL.
func ShellLookupURL(dataplaneURL string, limit *int, cursor string) string {
	u, err := url.Parse(dataplaneURL)
	if err != nil {
		return dataplaneURL + "/lookup/shellsByAssetLink"
	}
	u.Path = joinPath(u.Path, "lookup/shellsByAssetLink")
	q := u.Query()
	if limit != nil {
		q.Set("limit", fmt.Sprintf("%d", *limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func readAll(r io.Reader) ([]byte, error) { return io.ReadAll(r) }

func base64StdEncode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func joinPath(base, suffix string) string {
	if base == "" {
		return "/" + suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix
	}
	return base + "/" + suffix
}

// EncodeID standard-base64-encodes the UTF-8 bytes of an AAS identifier,
// the path-segment encoding every DTR shell/submodel lookup endpoint uses.
func EncodeID(id string) string {
	return base64StdEncode([]byte(id))
}

// ShellDescriptorURL builds {dataplaneURL}/shell-descriptors/{base64(shellID)}.
func ShellDescriptorURL(dataplaneURL, shellID string) string {
	u, err := url.Parse(dataplaneURL)
	if err != nil {
		return dataplaneURL + "/shell-descriptors/" + EncodeID(shellID)
	}
	u.Path = joinPath(u.Path, "shell-descriptors/"+EncodeID(shellID))
	return u.String()
}

// SubmodelDescriptorURL builds
// {dataplaneURL}/shell-descriptors/{base64(shellID)}/submodel-descriptors/{base64(submodelID)}.
func SubmodelDescriptorURL(dataplaneURL, shellID, submodelID string) string {
	u, err := url.Parse(dataplaneURL)
	if err != nil {
		return dataplaneURL + "/shell-descriptors/" + EncodeID(shellID) + "/submodel-descriptors/" + EncodeID(submodelID)
	}
	u.Path = joinPath(u.Path, "shell-descriptors/"+EncodeID(shellID)+"/submodel-descriptors/"+EncodeID(submodelID))
	return u.String()
}
