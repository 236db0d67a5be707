// Package discovery implements C5, the Discovery Engine: the orchestrator
// tying together the DTR Cache, Connector Client, and Shell Index into
// get_dtrs/discover_shells/discover_shell/discover_submodels/
// discover_submodel/discover_submodel_by_semantic_ids.
//
// Grounded on dtr_consumer_memory_manager.py's discover_* methods
// (original_source/ichub-backend), restructured around explicit error
// values and bounded worker pools (golang.org/x/sync/errgroup,
// golang.org/x/sync/semaphore) in place of the source's asyncio.gather and
// thread pools, per spec §9 "Cooperative vs OS threads".
package discovery

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/dtrcache"
	"github.com/industrycore/dtr-discovery-engine/pkg/shellindex"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("discovery")

// QueryItem is one entry of a discover_shells query_spec, e.g.
// {key: "manufacturerPartId", value: "P-42"}.
type QueryItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Config are the tunable defaults from spec §9 "Retry parameters" and §5
// "Parallelism bounds".
type Config struct {
	MaxNegotiationRetries        int
	MaxDataFetchRetries          int
	DataFetchRetryDelay          time.Duration
	MaxParallelAssetNegotiations int64
	MaxParallelDataFetches       int64
	CatalogTimeout               time.Duration
	DCTTypeKey                   string
	DCTType                      string
}

// DefaultConfig matches the original's documented defaults: max_retries=2
// for negotiation, one retry for data fetch, a 5 second purge-retry sleep,
// 10 concurrent asset negotiations, 20 concurrent data fetches.
func DefaultConfig() Config {
	return Config{
		MaxNegotiationRetries:        2,
		MaxDataFetchRetries:          1,
		DataFetchRetryDelay:          5 * time.Second,
		MaxParallelAssetNegotiations: 10,
		MaxParallelDataFetches:       20,
		CatalogTimeout:               30 * time.Second,
		DCTTypeKey:                   "http://purl.org/dc/terms/type",
		DCTType:                      dtrcache.DefaultDCTType,
	}
}

// Engine is the C5 Discovery Engine.
type Engine struct {
	cfg       Config
	dtrs      *dtrcache.Cache
	connector *connector.Client
	shells    *shellindex.Index
}

// New constructs a Discovery Engine over the given collaborators.
func New(cfg Config, dtrs *dtrcache.Cache, client *connector.Client, shells *shellindex.Index) *Engine {
	return &Engine{cfg: cfg, dtrs: dtrs, connector: client, shells: shells}
}

// GetDTRs is a thin pass-through to the DTR Cache's high-level read,
// exposed because it is also an external operation (POST /discover/registries).
func (e *Engine) GetDTRs(ctx context.Context, bpn string) []dtrcache.Entry {
	return e.dtrs.GetDTRs(ctx, bpn, e.cfg.CatalogTimeout)
}

// filterExpression builds the DTR-type query used both to locate DTR
// datasets in a catalog and to negotiate access against one.
func (e *Engine) filterExpression() connector.FilterExpression {
	return connector.FilterExpression{Key: e.cfg.DCTTypeKey, Operator: "=", Value: e.cfg.DCTType}
}

// effectivePolicies applies the automatic negotiation policy fallback:
// caller-supplied dtrPolicies win when present, else the DTR's own cached
// policies are used (spec §4.5.1.a).
func effectivePolicies(dtrPolicies []types.Policy, entry dtrcache.Entry) []types.Policy {
	if len(dtrPolicies) > 0 {
		return dtrPolicies
	}
	return entry.Policies
}

// negotiateWithRetry runs up to cfg.MaxNegotiationRetries+1 negotiation
// attempts, evicting the cached connection after every failed attempt. On the final
// failure it also removes the offending DTR entry from the cache, matching
// _process_dtr_with_retry.
func (e *Engine) negotiateWithRetry(ctx context.Context, bpn string, entry dtrcache.Entry, policies []types.Policy) (dataplaneURL, accessToken string, err error) {
	filter := e.filterExpression()
	for attempt := 0; attempt <= e.cfg.MaxNegotiationRetries; attempt++ {
		dataplaneURL, accessToken, err = e.connector.Negotiate(ctx, bpn, entry.ConnectorURL, policies, filter)
		if err == nil {
			return dataplaneURL, accessToken, nil
		}
		e.connector.DeleteConnection(ctx, bpn, entry.ConnectorURL, connector.FilterChecksum(filter), connector.PolicyChecksum(policies))
		if attempt == e.cfg.MaxNegotiationRetries {
			e.dtrs.Delete(bpn, entry.AssetID)
		}
	}
	return "", "", types.Tag(types.CodeNegotiationFailed, err)
}
