// Package dtrcache implements the C2 DTR Cache: a per-BPN map of known DTR
// offerings with a per-BPN expiry timestamp, refreshed via the connector
// client's catalog discovery when stale.
//
// Grounded on dtr_consumer_memory_manager.py's add_dtr/get_dtrs/purge_*
// methods (original_source/ichub-backend), translated from Python's
// threading.RLock three-lock discipline into a single sync.RWMutex per
// shard plus one top-level map mutex — Go's RWMutex already gives lockless
// concurrent reads, so the separate "list lock" the Python needs for
// worker-thread appends collapses into ordinary mutex-protected appends
// here.
package dtrcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/metrics"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("dtrcache")

// Entry is a DTR Entry: immutable once inserted, uniquely addressed by
// AssetID within a BPN.
type Entry struct {
	ConnectorURL string
	AssetID      string
	Policies     []types.Policy
}

type shard struct {
	mu        sync.RWMutex
	refreshAt time.Time
	dtrs      map[string]Entry // assetID -> Entry
}

// ConnectorLister resolves the connector URLs known for a BPN. This is a
// separate collaborator from the negotiation/catalog client because, in the
// federation, discovering *which* connectors a BPN exposes is itself a
// lookup against a connector discovery service, not the connector protocol
// itself.
type ConnectorLister interface {
	ListConnectors(ctx context.Context, bpn string) ([]string, error)
}

// Config holds the DTR asset test parameters (spec §4.2).
type Config struct {
	DCTTypeKey string // e.g. "http://purl.org/dc/terms/type" discriminator property name
	DCTType    string // expected value, default below
	Expiration time.Duration
}

// DefaultDCTType is the expected dct:type value identifying a DTR dataset.
const DefaultDCTType = "https://w3id.org/catenax/taxonomy#DigitalTwinRegistry"

// DefaultExpiration matches the original's expiration_time=60 minutes.
const DefaultExpiration = 60 * time.Minute

// Cache is the C2 DTR Cache.
type Cache struct {
	cfg       Config
	lister    ConnectorLister
	connector *connector.Client

	mu     sync.RWMutex // guards the shards map itself (insert/delete of a BPN)
	shards map[string]*shard
}

// New constructs a DTR Cache.
func New(cfg Config, lister ConnectorLister, client *connector.Client) *Cache {
	if cfg.DCTType == "" {
		cfg.DCTType = DefaultDCTType
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	return &Cache{cfg: cfg, lister: lister, connector: client, shards: map[string]*shard{}}
}

func (c *Cache) shardFor(bpn string, create bool) *shard {
	c.mu.RLock()
	s, ok := c.shards[bpn]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[bpn]; ok {
		return s
	}
	s = &shard{dtrs: map[string]Entry{}}
	c.shards[bpn] = s
	return s
}

// Add inserts a DTR entry. Idempotent: a duplicate asset id within the BPN
// is a no-op, but the shard's expiry is always refreshed first, matching
// add_dtr's "refresh timestamp, then no-op on duplicate" ordering.
func (c *Cache) Add(bpn, connectorURL, assetID string, policies []types.Policy) {
	s := c.shardFor(bpn, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshAt = time.Now().Add(c.cfg.Expiration)
	if _, exists := s.dtrs[assetID]; exists {
		return
	}
	s.dtrs[assetID] = Entry{ConnectorURL: connectorURL, AssetID: assetID, Policies: policies}
}

// GetByAssetID returns a deep copy of the entry, or false if absent.
func (c *Cache) GetByAssetID(bpn, assetID string) (Entry, bool) {
	s := c.shardFor(bpn, false)
	if s == nil {
		return Entry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dtrs[assetID]
	if !ok {
		return Entry{}, false
	}
	return deepCopyEntry(e), true
}

// List returns a deep copy of all entries known for bpn.
func (c *Cache) List(bpn string) []Entry {
	s := c.shardFor(bpn, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.dtrs))
	for _, e := range s.dtrs {
		out = append(out, deepCopyEntry(e))
	}
	return out
}

// Delete removes a single DTR entry.
func (c *Cache) Delete(bpn, assetID string) {
	s := c.shardFor(bpn, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dtrs, assetID)
}

// Purge clears a single BPN's shard entirely.
func (c *Cache) Purge(bpn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shards, bpn)
}

// PurgeAll clears every shard.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards = map[string]*shard{}
}

// IsExpired reports whether bpn has no shard, or its shard's refresh
// deadline has passed.
func (c *Cache) IsExpired(bpn string) bool {
	s := c.shardFor(bpn, false)
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshAt.IsZero() || time.Now().After(s.refreshAt)
}

// GetDTRs is the high-level read: returns the cached entries if the shard
// is fresh, otherwise lists connectors, fetches their catalogs in parallel,
// identifies DTR datasets, adds them to the cache, then returns the
// (possibly enlarged) list.
func (c *Cache) GetDTRs(ctx context.Context, bpn string, timeout time.Duration) []Entry {
	if !c.IsExpired(bpn) {
		if cached := c.List(bpn); len(cached) > 0 {
			metrics.DTRCacheHits.Inc()
			return cached
		}
	}
	metrics.DTRCacheRefreshes.Inc()

	connectorURLs, err := c.lister.ListConnectors(ctx, bpn)
	if err != nil {
		log.Warnf("listing connectors for bpn %s: %s", bpn, err)
		return c.List(bpn)
	}
	if len(connectorURLs) == 0 {
		return nil
	}

	filter := connector.FilterExpression{Key: c.cfg.DCTTypeKey, Operator: "=", Value: c.cfg.DCTType}
	results := c.connector.GetCatalogsParallel(ctx, bpn, connectorURLs, filter, timeout)

	for connectorURL, result := range results {
		if result.Err != nil {
			log.Debugf("catalog fetch failed for %s: %s", connectorURL, result.Err)
			continue
		}
		for _, dataset := range result.Catalog.Datasets {
			assetID, policies, ok := c.extractDTR(dataset)
			if !ok {
				continue
			}
			c.Add(bpn, connectorURL, assetID, policies)
		}
	}

	return c.List(bpn)
}

// dtrDataset is the subset of a DCAT dataset the DTR asset test needs.
type dtrDataset struct {
	AssetID  string          `json:"https://w3id.org/edc/v0.0.1/ns/id"`
	DCTType  json.RawMessage `json:"dct:type"`
	Policies json.RawMessage `json:"odrl:hasPolicy"`
}

// extractDTR applies the DTR asset test (spec §4.2) and policy cleaning.
func (c *Cache) extractDTR(d connector.Dataset) (assetID string, policies []types.Policy, ok bool) {
	var ds dtrDataset
	if err := json.Unmarshal(d.Raw, &ds); err != nil {
		return "", nil, false
	}
	if !dctTypeMatches(ds.DCTType, c.cfg.DCTType) {
		return "", nil, false
	}
	return ds.AssetID, cleanPolicies(ds.Policies), true
}

// dctTypeMatches accepts both a bare string and an {"@id": "..."} object.
func dctTypeMatches(raw json.RawMessage, want string) bool {
	if len(raw) == 0 {
		return false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString == want
	}
	var asObject struct {
		ID string `json:"@id"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return asObject.ID == want
	}
	return false
}

// cleanPolicies normalizes odrl:hasPolicy (singleton or list) and strips
// @id/@type from each object-shaped policy; string-valued policies pass
// through unchanged.
func cleanPolicies(raw json.RawMessage) []types.Policy {
	if len(raw) == 0 {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		list = []json.RawMessage{raw}
	}

	cleaned := make([]types.Policy, 0, len(list))
	for _, item := range list {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			cleaned = append(cleaned, item)
			continue
		}
		delete(obj, "@id")
		delete(obj, "@type")
		data, err := json.Marshal(obj)
		if err != nil {
			cleaned = append(cleaned, item)
			continue
		}
		cleaned = append(cleaned, data)
	}
	return cleaned
}

func deepCopyEntry(e Entry) Entry {
	policies := make([]types.Policy, len(e.Policies))
	for i, p := range e.Policies {
		cp := make(types.Policy, len(p))
		copy(cp, p)
		policies[i] = cp
	}
	return Entry{ConnectorURL: e.ConnectorURL, AssetID: e.AssetID, Policies: policies}
}
