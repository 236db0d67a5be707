package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/industrycore/dtr-discovery-engine/pkg/connector"
	"github.com/industrycore/dtr-discovery-engine/pkg/dtrcache"
	"github.com/industrycore/dtr-discovery-engine/pkg/metrics"
	"github.com/industrycore/dtr-discovery-engine/pkg/pagination"
	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

// DTRResult is one DTR's outcome within a DiscoverShells call.
type DTRResult struct {
	ConnectorURL string   `json:"connectorUrl"`
	AssetID      string   `json:"assetId"`
	Status       string   `json:"status"`
	ShellsFound  int      `json:"shellsFound"`
	Shells       []string `json:"shells"`
	Error        string   `json:"error,omitempty"`
}

// PaginationInfo is the optional pagination block of a DiscoverShells response.
type PaginationInfo struct {
	Page     int    `json:"page"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// ShellsResult is the response of DiscoverShells.
type ShellsResult struct {
	ShellDescriptors []types.ShellDescriptor `json:"shellDescriptors"`
	DTRs             []DTRResult             `json:"dtrs"`
	ShellsFound      int                     `json:"shellsFound"`
	Pagination       *PaginationInfo         `json:"pagination,omitempty"`
}

type shellLookupResponse struct {
	Result        []string       `json:"result"`
	PagingMetadata *pagingMetadata `json:"paging_metadata,omitempty"`
}

type pagingMetadata struct {
	Cursor string `json:"cursor,omitempty"`
}

// DiscoverShells implements spec §4.5.1.
func (e *Engine) DiscoverShells(ctx context.Context, bpn string, querySpec []QueryItem, dtrPolicies []types.Policy, limit *int, cursor string) (ShellsResult, error) {
	dtrs := e.dtrs.GetDTRs(ctx, bpn, e.cfg.CatalogTimeout)
	if len(dtrs) == 0 {
		return ShellsResult{ShellDescriptors: []types.ShellDescriptor{}, DTRs: []DTRResult{}}, types.Tag(types.CodeNotFound, errors.New("No DTRs found"))
	}

	var current pagination.PageState
	if cursor != "" {
		var err error
		current, err = pagination.Decode(cursor)
		if err != nil {
			return ShellsResult{}, types.Tag(types.CodeInvalidInput, err)
		}
		if !pagination.IsCursorCompatible(current, limit) {
			return ShellsResult{}, types.Tag(types.CodeInvalidInput, pagination.ErrLimitMismatch)
		}
	}
	if current.DTRStates == nil {
		current.DTRStates = map[string]pagination.DTRState{}
	}
	current.Limit = limit

	activeCount := 0
	for _, d := range dtrs {
		if st, ok := current.DTRStates[d.AssetID]; !ok || !st.Exhausted {
			activeCount++
		}
	}
	perDTRLimit := pagination.DistributeLimit(limit, activeCount)

	type dtrOutcome struct {
		shells   []string
		newState pagination.DTRState
		result   DTRResult
	}
	outcomes := make([]dtrOutcome, len(dtrs))

	g, gctx := errgroup.WithContext(ctx)
	for idx, entry := range dtrs {
		idx, entry := idx, entry
		if st, ok := current.DTRStates[entry.AssetID]; ok && st.Exhausted {
			outcomes[idx] = dtrOutcome{newState: st, result: DTRResult{ConnectorURL: entry.ConnectorURL, AssetID: entry.AssetID, Status: "skipped"}}
			continue
		}
		g.Go(func() error {
			dtrCursor := current.DTRStates[entry.AssetID].Cursor
			shells, newCursor, result := e.processDTRForShells(gctx, bpn, entry, querySpec, dtrPolicies, perDTRLimit, dtrCursor)
			outcomes[idx] = dtrOutcome{
				shells:   shells,
				newState: pagination.DTRState{Cursor: newCursor, Exhausted: newCursor == ""},
				result:   result,
			}
			return nil
		})
	}
	_ = g.Wait()

	var allShells []string
	dtrResults := make([]DTRResult, 0, len(outcomes))
	newStates := map[string]pagination.DTRState{}
	for i, o := range outcomes {
		dtrResults = append(dtrResults, o.result)
		newStates[dtrs[i].AssetID] = o.newState
		allShells = append(allShells, o.shells...)
	}
	if limit != nil && len(allShells) > *limit {
		allShells = allShells[:*limit]
	}

	descriptors := make([]types.ShellDescriptor, 0, len(allShells))
	for _, id := range allShells {
		if d, ok := e.shells.Get(id); ok {
			descriptors = append(descriptors, d)
		}
	}
	metrics.ShellsDiscovered.Add(float64(len(descriptors)))

	result := ShellsResult{
		ShellDescriptors: descriptors,
		DTRs:             dtrResults,
		ShellsFound:      len(descriptors),
	}

	if pagination.Enabled(limit, cursor) {
		newPage := pagination.PageState{DTRStates: newStates, PageNumber: current.PageNumber + 1, Limit: limit}
		info := &PaginationInfo{Page: newPage.PageNumber}
		if pagination.HasMoreData(newStates) {
			if next, err := pagination.Encode(newPage); err == nil {
				info.Next = next
			}
		}
		if current.PageNumber > 0 || cursor != "" {
			prev := current
			if prevToken, err := pagination.Encode(prev); err == nil {
				info.Previous = prevToken
			}
		}
		result.Pagination = info
	}

	return result, nil
}

// processDTRForShells implements _process_dtr_with_retry for a single DTR.
func (e *Engine) processDTRForShells(ctx context.Context, bpn string, entry dtrcache.Entry, querySpec []QueryItem, dtrPolicies []types.Policy, limit *int, cursor string) ([]string, string, DTRResult) {
	result := DTRResult{ConnectorURL: entry.ConnectorURL, AssetID: entry.AssetID, Status: "failed", Shells: []string{}}

	policies := effectivePolicies(dtrPolicies, entry)
	if len(policies) == 0 {
		result.Error = "No valid asset and policy allowed"
		return nil, "", result
	}

	dataplaneURL, accessToken, err := e.negotiateWithRetry(ctx, bpn, entry, policies)
	if err != nil {
		result.Error = err.Error()
		return nil, "", result
	}

	lookupURL := connector.ShellLookupURL(dataplaneURL, limit, cursor)
	var resp shellLookupResponse
	if _, err := connector.PostJSON(ctx, lookupURL, accessToken, querySpec, &resp); err != nil {
		result.Error = err.Error()
		return nil, "", result
	}

	shellIDs := resp.Result
	e.fetchShellDescriptors(ctx, dataplaneURL, accessToken, shellIDs)

	result.Status = "connected"
	result.ShellsFound = len(shellIDs)
	result.Shells = shellIDs

	newCursor := ""
	if resp.PagingMetadata != nil {
		newCursor = resp.PagingMetadata.Cursor
	}
	return shellIDs, newCursor, result
}

// fetchShellDescriptors fetches and indexes each shell descriptor in
// parallel, bounded by MaxParallelDataFetches.
func (e *Engine) fetchShellDescriptors(ctx context.Context, dataplaneURL, accessToken string, shellIDs []string) {
	sem := make(chan struct{}, e.cfg.MaxParallelDataFetches)
	var wg sync.WaitGroup
	for _, id := range shellIDs {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			var descriptor types.ShellDescriptor
			url := connector.ShellDescriptorURL(dataplaneURL, id)
			if _, err := connector.FetchJSON(ctx, url, accessToken, &descriptor); err != nil {
				log.Debugf("fetching shell descriptor %s: %s", id, err)
				return
			}
			e.shells.Put(id, descriptor)
		}()
	}
	wg.Wait()
}

// DiscoverShell implements spec §4.5.2: sequential, first-match-wins lookup
// across a BPN's DTRs.
func (e *Engine) DiscoverShell(ctx context.Context, bpn, shellID string, dtrPolicies []types.Policy) (types.ShellDescriptor, DTRResult, error) {
	dtrs := e.dtrs.GetDTRs(ctx, bpn, e.cfg.CatalogTimeout)
	if len(dtrs) == 0 {
		return types.ShellDescriptor{}, DTRResult{}, types.Tag(types.CodeNotFound, errors.New("No DTRs found"))
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
		var descriptor types.ShellDescriptor
		url := connector.ShellDescriptorURL(dataplaneURL, shellID)
		if _, err := connector.FetchJSON(ctx, url, accessToken, &descriptor); err != nil {
			continue
		}
		e.shells.Put(shellID, descriptor)
		return descriptor, DTRResult{ConnectorURL: entry.ConnectorURL, AssetID: entry.AssetID, Status: "connected"}, nil
	}

	return types.ShellDescriptor{}, DTRResult{}, types.Tag(types.CodeNotFound, fmt.Errorf("shell %q not found in any DTR of counterPartyId %q", shellID, bpn))
}
