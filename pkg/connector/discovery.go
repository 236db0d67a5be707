package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ConnectorDiscovery implements dtrcache.ConnectorLister against a
// Discovery Finder-style endpoint, the same external service family as
// pkg/bpndiscovery but queried for connector (EDC) endpoints owned by a
// BPN rather than manufacturer part ids.
//
// Grounded on dtr_consumer_memory_manager.get_dtrs's
// connector_consumer_manager.get_connectors(bpn) call
// (original_source/ichub-backend): both resolve a BPN to a list of
// connector base URLs via a Tractus-X discovery service.
type ConnectorDiscovery struct {
	discoveryURL string
	httpClient   *http.Client
}

// NewConnectorDiscovery constructs a ConnectorDiscovery client.
func NewConnectorDiscovery(discoveryURL string) *ConnectorDiscovery {
	return &ConnectorDiscovery{discoveryURL: discoveryURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type connectorLookupRequest struct {
	BPN string `json:"bpn"`
}

type connectorLookupResponse struct {
	ConnectorEndpoints []string `json:"connectorEndpoints"`
}

// ListConnectors implements dtrcache.ConnectorLister.
func (d *ConnectorDiscovery) ListConnectors(ctx context.Context, bpn string) ([]string, error) {
	payload, err := json.Marshal(connectorLookupRequest{BPN: bpn})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.discoveryURL, bytesReader(payload))
	if err != nil {
		return nil, fmt.Errorf("connector discovery failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector discovery failed: unexpected status %d", resp.StatusCode)
	}

	var result connectorLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("connector discovery failed: decoding response: %w", err)
	}
	return result.ConnectorEndpoints, nil
}
