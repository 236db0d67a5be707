package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// Governance maps a semantic id to the policies the caller authorizes for
// consuming the matching submodel, used by DiscoverSubmodels.
type Governance map[string][]types.Policy

const (
	statusPending            = "pending"
	statusError              = "error"
	statusGovernanceNotFound = "governance_not_found"
	statusSuccess            = "success"
)

// SubmodelEntry is one row of a DiscoverSubmodels/DiscoverSubmodelBySemanticIDs response.
type SubmodelEntry struct {
	SubmodelID     string `json:"submodelId"`
	SemanticID     string `json:"semanticId,omitempty"`
	SemanticIDKeys string `json:"semanticIdKeys,omitempty"`
	AssetID        string `json:"assetId,omitempty"`
	ConnectorURL   string `json:"connectorUrl,omitempty"`
	Href           string `json:"href,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// SubmodelsResult is the response of DiscoverSubmodels and
// DiscoverSubmodelBySemanticIDs.
type SubmodelsResult struct {
	SubmodelDescriptors []SubmodelEntry            `json:"submodelDescriptors"`
	Submodels           map[string]json.RawMessage `json:"submodels,omitempty"`
	SubmodelsFound      int                        `json:"submodelsFound"`
}

type queuedSubmodel struct {
	index        int
	submodelID   string
	assetID      string
	connectorURL string
	href         string
	policies     []types.Policy
}

// DiscoverSubmodels implements spec §4.5.3.
func (e *Engine) DiscoverSubmodels(ctx context.Context, bpn, shellID string, dtrPolicies []types.Policy, governance Governance) (SubmodelsResult, error) {
	shell, _, err := e.DiscoverShell(ctx, bpn, shellID, dtrPolicies)
	if err != nil {
		return SubmodelsResult{}, err
	}

	entries := make([]SubmodelEntry, len(shell.SubmodelDescriptors))
	queue := make([]queuedSubmodel, 0, len(shell.SubmodelDescriptors))

	for i, d := range shell.SubmodelDescriptors {
		entry := SubmodelEntry{SubmodelID: d.ID}
		semanticID := types.ExtractSemanticID(d.SemanticID)
		if semanticID == "" {
			entry.Status = statusError
			entry.Error = "could not extract semantic id"
			entries[i] = entry
			continue
		}
		entry.SemanticID = semanticID
		entry.SemanticIDKeys = base64CanonicalJSON(d.SemanticID)

		policies, governed := governance[semanticID]
		if governance == nil || !governed {
			entry.Status = statusGovernanceNotFound
			entries[i] = entry
			continue
		}

		info, ok := types.ExtractSubmodelEndpoint(d)
		if !ok {
			entry.Status = statusError
			entry.Error = "could not determine asset id and connector url for submodel"
			entries[i] = entry
			continue
		}
		entry.AssetID = info.AssetID
		entry.ConnectorURL = info.ConnectorURL
		entry.Href = info.Href
		entry.Status = statusPending
		entries[i] = entry
		queue = append(queue, queuedSubmodel{index: i, submodelID: d.ID, assetID: info.AssetID, connectorURL: info.ConnectorURL, href: info.Href, policies: policies})
	}

	submodels := e.negotiateAndFetch(ctx, bpn, entries, queue)

	for i := range entries {
		if entries[i].Status == statusPending {
			entries[i].Status = statusError
			entries[i].Error = "Processing was not completed"
		}
	}

	return SubmodelsResult{
		SubmodelDescriptors: entries,
		Submodels:           submodels,
		SubmodelsFound:      len(entries),
	}, nil
}

// negotiateAndFetch groups queued items by asset id, negotiates each
// distinct asset in a bounded pool, then fetches each item's href in a
// bounded pool. entries is mutated in place with per-item status/error;
// the returned map holds the fetched payloads keyed by submodel id.
func (e *Engine) negotiateAndFetch(ctx context.Context, bpn string, entries []SubmodelEntry, queue []queuedSubmodel) map[string]json.RawMessage {
	byAsset := map[string][]queuedSubmodel{}
	for _, q := range queue {
		byAsset[q.assetID] = append(byAsset[q.assetID], q)
	}

	type negotiated struct {
		dataplaneURL string
		accessToken  string
		err          error
	}
	tokens := make(map[string]negotiated, len(byAsset))
	var tokensMu sync.Mutex

	negSem := semaphore.NewWeighted(e.cfg.MaxParallelAssetNegotiations)
	var negWG sync.WaitGroup
	for assetID, items := range byAsset {
		assetID, items := assetID, items
		if err := negSem.Acquire(ctx, 1); err != nil {
			tokensMu.Lock()
			tokens[assetID] = negotiated{err: err}
			tokensMu.Unlock()
			continue
		}
		negWG.Add(1)
		go func() {
			defer negWG.Done()
			defer negSem.Release(1)
			connectorURL := items[0].connectorURL
			dataplaneURL, accessToken, err := e.connector.NegotiateByAssetID(ctx, bpn, connectorURL, assetID, items[0].policies)
			tokensMu.Lock()
			tokens[assetID] = negotiated{dataplaneURL: dataplaneURL, accessToken: accessToken, err: err}
			tokensMu.Unlock()
		}()
	}
	negWG.Wait()

	fetchQueue := make([]queuedSubmodel, 0, len(queue))
	for _, q := range queue {
		tok := tokens[q.assetID]
		if tok.err != nil {
			entries[q.index].Status = statusError
			entries[q.index].Error = fmt.Sprintf("negotiation failed for asset %s: %s", q.assetID, tok.err)
			continue
		}
		fetchQueue = append(fetchQueue, q)
	}

	submodels := map[string]json.RawMessage{}
	var submodelsMu sync.Mutex
	fetchSem := semaphore.NewWeighted(e.cfg.MaxParallelDataFetches)
	var fetchWG sync.WaitGroup
	for _, q := range fetchQueue {
		q := q
		tok := tokens[q.assetID]
		if err := fetchSem.Acquire(ctx, 1); err != nil {
			entries[q.index].Status = statusError
			entries[q.index].Error = err.Error()
			continue
		}
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			defer fetchSem.Release(1)
			var payload json.RawMessage
			if _, err := connector.FetchJSON(ctx, q.href, tok.accessToken, &payload); err != nil {
				entries[q.index].Status = statusError
				entries[q.index].Error = err.Error()
				return
			}
			submodelsMu.Lock()
			submodels[q.submodelID] = payload
			submodelsMu.Unlock()
			entries[q.index].Status = statusSuccess
		}()
	}
	fetchWG.Wait()
	_ = tokens // dataplaneURL currently unused beyond token negotiation; retained for parity with the original's per-asset connection record

	return submodels
}

// DiscoverSubmodel implements spec §4.5.4, the direct-lookup variant with
// the purge-sleep-renegotiate-refetch recovery on an empty first fetch.
func (e *Engine) DiscoverSubmodel(ctx context.Context, bpn, shellID string, dtrPolicies []types.Policy, governance Governance, submodelID string) (json.RawMessage, error) {
	dtrs := e.dtrs.GetDTRs(ctx, bpn, e.cfg.CatalogTimeout)
	if len(dtrs) == 0 {
		return nil, types.Tag(types.CodeNotFound, fmt.Errorf("No DTRs found"))
	}

	for _, entry := range dtrs {
		policies := effectivePolicies(dtrPolicies, entry)
		if len(policies) == 0 {
			continue
		}
		dataplaneURL, accessToken, err := e.negotiateWithRetry(ctx, bpn, entry, policies)
		if err != nil {
			continue
		}

		var descriptor types.SubmodelDescriptor
		url := connector.SubmodelDescriptorURL(dataplaneURL, shellID, submodelID)
		if _, err := connector.FetchJSON(ctx, url, accessToken, &descriptor); err != nil {
			continue
		}

		info, ok := types.ExtractSubmodelEndpoint(descriptor)
		if !ok {
			return nil, types.Tag(types.CodeUnknown, fmt.Errorf("could not determine asset id for submodel %q", submodelID))
		}

		submodelPolicies := governance[types.ExtractSemanticID(descriptor.SemanticID)]
		if len(submodelPolicies) == 0 {
			submodelPolicies = policies
		}

		data, err := e.fetchSubmodelWithRetry(ctx, bpn, info, submodelPolicies)
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	return nil, types.Tag(types.CodeNotFound, fmt.Errorf("Submodel %q not found in any DTR of this counterPartyId", submodelID))
}

// fetchSubmodelWithRetry implements the normative retry/purge protocol: one
// purge-sleep(5s)-renegotiate-refetch cycle if the first fetch returns no
// data or errors.
func (e *Engine) fetchSubmodelWithRetry(ctx context.Context, bpn string, info types.SubmodelEndpointInfo, policies []types.Policy) (json.RawMessage, error) {
	dataplaneURL, accessToken, err := e.connector.NegotiateByAssetID(ctx, bpn, info.ConnectorURL, info.AssetID, policies)
	if err != nil {
		return nil, types.Tag(types.CodeNegotiationFailed, fmt.Errorf("negotiation failed: %w", err))
	}

	data, fetchErr := fetchSubmodelPayload(ctx, resolveHref(dataplaneURL, info.Href), accessToken)
	if fetchErr == nil && len(data) > 0 {
		return data, nil
	}

	for attempt := 0; attempt < e.cfg.MaxDataFetchRetries; attempt++ {
		e.connector.ForcePurge(ctx, bpn, info.AssetID, info.ConnectorURL, policies)
		select {
		case <-time.After(e.cfg.DataFetchRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		dataplaneURL, accessToken, err = e.connector.NegotiateByAssetID(ctx, bpn, info.ConnectorURL, info.AssetID, policies)
		if err != nil {
			continue
		}
		data, fetchErr = fetchSubmodelPayload(ctx, resolveHref(dataplaneURL, info.Href), accessToken)
		if fetchErr == nil && len(data) > 0 {
			return data, nil
		}
	}

	if fetchErr != nil {
		return nil, types.Tag(types.CodeUnknown, fmt.Errorf("fetching submodel data: %w", fetchErr))
	}
	return nil, types.Tag(types.CodeUnknown, fmt.Errorf("no data after one retry"))
}

func fetchSubmodelPayload(ctx context.Context, url, accessToken string) (json.RawMessage, error) {
	var payload json.RawMessage
	if _, err := connector.FetchJSON(ctx, url, accessToken, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// resolveHref joins a submodel endpoint's href with its dataplane URL when
// the href is not already absolute.
func resolveHref(dataplaneURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimSuffix(dataplaneURL, "/") + "/" + strings.TrimPrefix(href, "/")
}

// DiscoverSubmodelBySemanticIDs implements spec §4.5.5: like
// DiscoverSubmodels but filters descriptors to those whose full
// {(type,value)} key set is a superset of the requested semanticIDs, and
// shares one flat policy list across every match.
func (e *Engine) DiscoverSubmodelBySemanticIDs(ctx context.Context, bpn, shellID string, dtrPolicies []types.Policy, governance []types.Policy, semanticIDs []types.SemanticKey) (SubmodelsResult, error) {
	shell, _, err := e.DiscoverShell(ctx, bpn, shellID, dtrPolicies)
	if err != nil {
		return SubmodelsResult{}, err
	}

	entries := []SubmodelEntry{}
	queue := []queuedSubmodel{}

	for _, d := range shell.SubmodelDescriptors {
		keys := types.ExtractSemanticKeys(d.SemanticID)
		if !isSuperset(keys, semanticIDs) {
			continue
		}

		idx := len(entries)
		entry := SubmodelEntry{SubmodelID: d.ID, SemanticID: types.ExtractSemanticID(d.SemanticID), SemanticIDKeys: base64CanonicalJSON(d.SemanticID)}

		info, ok := types.ExtractSubmodelEndpoint(d)
		if !ok {
			entry.Status = statusError
			entry.Error = "could not determine asset id and connector url for submodel"
			entries = append(entries, entry)
			continue
		}
		entry.AssetID = info.AssetID
		entry.ConnectorURL = info.ConnectorURL
		entry.Href = info.Href
		entry.Status = statusPending
		entries = append(entries, entry)
		queue = append(queue, queuedSubmodel{index: idx, submodelID: d.ID, assetID: info.AssetID, connectorURL: info.ConnectorURL, href: info.Href, policies: governance})
	}

	if len(entries) == 0 {
		return SubmodelsResult{}, types.Tag(types.CodeNotFound, fmt.Errorf("no submodel matched semantic ids %v", semanticIDs))
	}

	submodels := e.negotiateAndFetch(ctx, bpn, entries, queue)
	for i := range entries {
		if entries[i].Status == statusPending {
			entries[i].Status = statusError
			entries[i].Error = "Processing was not completed"
		}
	}

	return SubmodelsResult{SubmodelDescriptors: entries, Submodels: submodels, SubmodelsFound: len(entries)}, nil
}

// isSuperset reports whether descriptorKeys contains every entry of want.
func isSuperset(descriptorKeys, want []types.SemanticKey) bool {
	for _, w := range want {
		found := false
		for _, k := range descriptorKeys {
			if k.Type == w.Type && k.Value == w.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func base64CanonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return base64.StdEncoding.EncodeToString(raw)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return base64.StdEncoding.EncodeToString(raw)
	}
	return base64.StdEncoding.EncodeToString(canonical)
}
