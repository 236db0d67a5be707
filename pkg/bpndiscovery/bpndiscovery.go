// Package bpndiscovery is the external BPN Discovery / Discovery Finder
// collaborator the DPP workflow calls to resolve a manufacturer part id to
// the BPN(s) that registered it. It is a thin HTTP client; the Discovery
// Finder itself is one of Tractus-X's industry SDK services and outside
// this repository's scope (spec §1 "Out of scope").
package bpndiscovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func jsonBody(payload []byte) io.Reader { return bytes.NewReader(payload) }

// DefaultIdentifierType matches the original's
// consumer.discovery.bpn_discovery.type default.
const DefaultIdentifierType = "manufacturerPartId"

// Client resolves identifiers to BPNs via a Discovery Finder endpoint.
type Client struct {
	discoveryFinderURL string
	identifierType     string
	httpClient         *http.Client
}

// Config configures a Client from the two recognised configuration keys
// (spec §6): consumer.discovery.discovery_finder.url and
// consumer.discovery.bpn_discovery.type.
type Config struct {
	DiscoveryFinderURL string
	IdentifierType     string
}

// New constructs a BPN Discovery client.
func New(cfg Config) *Client {
	if cfg.IdentifierType == "" {
		cfg.IdentifierType = DefaultIdentifierType
	}
	return &Client{
		discoveryFinderURL: cfg.DiscoveryFinderURL,
		identifierType:     cfg.IdentifierType,
		httpClient:         &http.Client{Timeout: 30 * time.Second},
	}
}

type findRequest struct {
	Keys           []string `json:"keys"`
	IdentifierType string   `json:"identifierType"`
}

type findResponse struct {
	BPNs []string `json:"bpns"`
}

// FindBPNs resolves manufacturerPartID to the list of BPNs that registered
// it, mirroring discover_bpn's
// bpn_discovery_service.find_bpns(keys=[manufacturerPartId], identifier_type=bpn_type).
func (c *Client) FindBPNs(ctx context.Context, manufacturerPartID string) ([]string, error) {
	payload, err := json.Marshal(findRequest{Keys: []string{manufacturerPartID}, IdentifierType: c.identifierType})
	if err != nil {
		return nil, fmt.Errorf("encoding bpn discovery request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discoveryFinderURL, jsonBody(payload))
	if err != nil {
		return nil, fmt.Errorf("BPN Discovery failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("BPN Discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("BPN Discovery failed: unexpected status %d", resp.StatusCode)
	}

	var result findResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("BPN Discovery failed: decoding response: %w", err)
	}
	return result.BPNs, nil
}
